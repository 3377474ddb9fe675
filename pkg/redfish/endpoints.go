package redfish

// Resource paths for the fixed, numerically-indexed singletons this client
// manages. The firmware exposes exactly one system and one manager, so the
// member indexes are constants rather than discovered.
const (
	sessionsPath       = "/redfish/v1/SessionService/Sessions"
	systemPath         = "/redfish/v1/Systems/1"
	systemResetPath    = "/redfish/v1/Systems/1/Actions/ComputerSystem.Reset"
	processorsPath     = "/redfish/v1/Systems/1/Processors"
	memoryPath         = "/redfish/v1/Systems/1/Memory"
	virtualMediaPath   = "/redfish/v1/Managers/1/VirtualMedia"
	licenseServicePath = "/redfish/v1/Managers/1/LicenseService/Licenses"
)

// Header names the firmware uses for session establishment.
const (
	authTokenHeader = "X-Auth-Token"
	locationHeader  = "Location"
)
