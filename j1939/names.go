package j1939

// Parameter groups with signals in the decode table.
const (
	PGNElectronicEngineController2 uint32 = 61443 // EEC2
	PGNEngineHours                 uint32 = 65253 // HOURS
	PGNEngineTemperature1          uint32 = 65262 // ET1
	PGNEngineFluidLevelPressure1   uint32 = 65263 // EFL/P1
	PGNFuelEconomy                 uint32 = 65266 // LFE1
	PGNTransmissionFluids1         uint32 = 65272 // TRF1
	PGNDashDisplay                 uint32 = 65276 // DD1
)

var pgnNames = map[uint32]string{
	PGNElectronicEngineController2: "Electronic Engine Controller 2",
	PGNEngineHours:                 "Engine Hours, Revolutions",
	PGNEngineTemperature1:          "Engine Temperature 1",
	PGNEngineFluidLevelPressure1:   "Engine Fluid Level/Pressure 1",
	PGNFuelEconomy:                 "Fuel Economy (Liquid)",
	PGNTransmissionFluids1:         "Transmission Fluids 1",
	PGNDashDisplay:                 "Dash Display",
	59904:                          "Request",
	60160:                          "Transport Protocol, Data Transfer",
	60416:                          "Transport Protocol, Connection Management",
	60928:                          "Address Claimed",
	61444:                          "Electronic Engine Controller 1",
	65226:                          "Active Diagnostic Trouble Codes (DM1)",
	65265:                          "Cruise Control/Vehicle Speed",
	65269:                          "Ambient Conditions",
}

// Name returns a human label for pgn, or "" when unknown.
func Name(pgn uint32) string {
	return pgnNames[pgn]
}
