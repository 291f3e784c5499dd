package cnst

const (
	// AppName is the canonical application name.
	AppName = "syncroom"

	// SyncroomYaml is the default configuration file name.
	SyncroomYaml = "syncroom.yaml"
)
