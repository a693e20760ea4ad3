package esphome

// Native API message type numbers, carried in the espframe header. These
// follow the handshake/enumeration/subscribe/command message families the
// spec describes; field numbers inside each payload are this adapter's
// own layout (encode and decode share them) and are not taken from
// ESPHome's generated protobuf definitions.
const (
	msgHelloRequest    = 1
	msgHelloResponse   = 2
	msgConnectRequest  = 3
	msgConnectResponse = 4
	msgDisconnect      = 5
	msgPingRequest     = 7
	msgPingResponse    = 8

	msgDeviceInfoRequest  = 9
	msgDeviceInfoResponse = 10

	msgListEntitiesRequest        = 11
	msgListEntitiesBinarySensor   = 12
	msgListEntitiesSwitch         = 13
	msgListEntitiesLight          = 14
	msgListEntitiesSensor         = 15
	msgListEntitiesTextSensor     = 16
	msgListEntitiesNumber         = 17
	msgListEntitiesButton         = 18
	msgListEntitiesDone           = 19

	msgSubscribeStatesRequest = 20

	msgBinarySensorState = 21
	msgSwitchState       = 22
	msgLightState        = 23
	msgSensorState       = 24
	msgTextSensorState   = 25
	msgNumberState       = 26

	msgSwitchCommand = 30
	msgLightCommand  = 31
	msgNumberCommand = 32
	msgButtonCommand = 33
)

// Common field numbers across the entity-descriptor family.
const (
	fieldObjectID = 1
	fieldKey      = 2
	fieldName     = 3
	fieldUniqueID = 4
)

// Common field numbers across the entity-state family.
const (
	fieldStateKey   = 1
	fieldStateBool  = 2
	fieldStateFloat = 3
	fieldStateText  = 4
	// Light-specific extra fields beyond the common bool/float state.
	fieldLightBrightness = 5
	fieldLightColorTempK = 6
)
