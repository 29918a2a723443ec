package terminal

import (
	"encoding/json"
	"fmt"
)

// propertyEnvelope is the wire form of a ProcessProperty: a kind tag and a JSON value.
type propertyEnvelope struct {
	Kind  PropertyKind    `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalProperty encodes a property as {"kind": ..., "value": ...}.
func MarshalProperty(prop ProcessProperty) ([]byte, error) {
	if prop == nil {
		return nil, fmt.Errorf("nil process property")
	}
	value, err := json.Marshal(prop)
	if err != nil {
		return nil, err
	}
	return json.Marshal(propertyEnvelope{Kind: prop.Kind(), Value: value})
}

// UnmarshalProperty is the inverse of MarshalProperty.
func UnmarshalProperty(data []byte) (ProcessProperty, error) {
	var envelope propertyEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	var prop ProcessProperty
	var err error
	switch envelope.Kind {
	case PropertyCwd:
		var p CwdProperty
		err = json.Unmarshal(envelope.Value, &p)
		prop = p
	case PropertyInitialCwd:
		var p InitialCwdProperty
		err = json.Unmarshal(envelope.Value, &p)
		prop = p
	case PropertyTitle:
		var p TitleProperty
		err = json.Unmarshal(envelope.Value, &p)
		prop = p
	case PropertyShellType:
		var p ShellTypeProperty
		err = json.Unmarshal(envelope.Value, &p)
		prop = p
	case PropertyHasChildProcesses:
		var p HasChildProcessesProperty
		err = json.Unmarshal(envelope.Value, &p)
		prop = p
	case PropertyOverrideDimensions:
		var p OverrideDimensionsProperty
		err = json.Unmarshal(envelope.Value, &p)
		prop = p
	case PropertyResolvedShellLaunchConfig:
		var p ResolvedShellLaunchConfigProperty
		err = json.Unmarshal(envelope.Value, &p)
		prop = p
	case PropertyFailedShellIntegrationActivation:
		var p FailedShellIntegrationActivationProperty
		err = json.Unmarshal(envelope.Value, &p)
		prop = p
	default:
		return nil, fmt.Errorf("unknown process property kind %q", envelope.Kind)
	}
	if err != nil {
		return nil, err
	}
	return prop, nil
}
