package terminal

// PropertyKind names a process property that can be refreshed or changed.
type PropertyKind string

const (
	PropertyCwd                              PropertyKind = "cwd"
	PropertyInitialCwd                       PropertyKind = "initialCwd"
	PropertyTitle                            PropertyKind = "title"
	PropertyShellType                        PropertyKind = "shellType"
	PropertyHasChildProcesses                PropertyKind = "hasChildProcesses"
	PropertyOverrideDimensions               PropertyKind = "overrideDimensions"
	PropertyResolvedShellLaunchConfig        PropertyKind = "resolvedShellLaunchConfig"
	PropertyFailedShellIntegrationActivation PropertyKind = "failedShellIntegrationActivation"
)

// ProcessProperty is a closed union of property changes. Match it with a type switch.
type ProcessProperty interface {
	Kind() PropertyKind
	isProcessProperty()
}

type CwdProperty struct{ Cwd string }

type InitialCwdProperty struct{ Cwd string }

type TitleProperty struct {
	Title  string
	Source string
}

type ShellTypeProperty struct{ ShellType string }

type HasChildProcessesProperty struct{ HasChildProcesses bool }

// OverrideDimensionsProperty with nil Dimensions clears the override.
type OverrideDimensionsProperty struct{ Dimensions *Dimensions }

type ResolvedShellLaunchConfigProperty struct{ Config LaunchConfig }

type FailedShellIntegrationActivationProperty struct{ Failed bool }

func (CwdProperty) Kind() PropertyKind                { return PropertyCwd }
func (InitialCwdProperty) Kind() PropertyKind         { return PropertyInitialCwd }
func (TitleProperty) Kind() PropertyKind              { return PropertyTitle }
func (ShellTypeProperty) Kind() PropertyKind          { return PropertyShellType }
func (HasChildProcessesProperty) Kind() PropertyKind  { return PropertyHasChildProcesses }
func (OverrideDimensionsProperty) Kind() PropertyKind { return PropertyOverrideDimensions }
func (ResolvedShellLaunchConfigProperty) Kind() PropertyKind {
	return PropertyResolvedShellLaunchConfig
}
func (FailedShellIntegrationActivationProperty) Kind() PropertyKind {
	return PropertyFailedShellIntegrationActivation
}

func (CwdProperty) isProcessProperty()                              {}
func (InitialCwdProperty) isProcessProperty()                       {}
func (TitleProperty) isProcessProperty()                            {}
func (ShellTypeProperty) isProcessProperty()                        {}
func (HasChildProcessesProperty) isProcessProperty()                {}
func (OverrideDimensionsProperty) isProcessProperty()               {}
func (ResolvedShellLaunchConfigProperty) isProcessProperty()        {}
func (FailedShellIntegrationActivationProperty) isProcessProperty() {}
