package zwave

import "fmt"

// Basic device classes. Every node reports exactly one.
const (
	BasicTypeController       byte = 0x01
	BasicTypeStaticController byte = 0x02
	BasicTypeSlave            byte = 0x03
	BasicTypeRoutingSlave     byte = 0x04
)

// Generic device classes. The generic class is the primary hint for
// which command classes a node is likely to support.
const (
	GenericTypeGenericController byte = 0x01
	GenericTypeStaticController  byte = 0x02
	GenericTypeThermostat        byte = 0x08
	GenericTypeBinarySwitch      byte = 0x10
	GenericTypeMultilevelSwitch  byte = 0x11
	GenericTypeRemoteSwitch      byte = 0x12
	GenericTypeBinarySensor      byte = 0x20
	GenericTypeMultilevelSensor  byte = 0x21
	GenericTypeMeter             byte = 0x31
	GenericTypeEntryControl      byte = 0x40
	GenericTypeAlarmSensor       byte = 0xA1
)

var basicTypeNames = map[byte]string{
	BasicTypeController:       "controller",
	BasicTypeStaticController: "static_controller",
	BasicTypeSlave:            "slave",
	BasicTypeRoutingSlave:     "routing_slave",
}

var genericTypeNames = map[byte]string{
	GenericTypeGenericController: "generic_controller",
	GenericTypeStaticController:  "static_controller",
	GenericTypeThermostat:        "thermostat",
	GenericTypeBinarySwitch:      "binary_switch",
	GenericTypeMultilevelSwitch:  "multilevel_switch",
	GenericTypeRemoteSwitch:      "remote_switch",
	GenericTypeBinarySensor:      "binary_sensor",
	GenericTypeMultilevelSensor:  "multilevel_sensor",
	GenericTypeMeter:             "meter",
	GenericTypeEntryControl:      "entry_control",
	GenericTypeAlarmSensor:       "alarm_sensor",
}

// BasicTypeName returns the label for a basic device class, or the hex
// code when unrecognised.
func BasicTypeName(code byte) string {
	if name, ok := basicTypeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", code)
}

// GenericTypeName returns the label for a generic device class, or the
// hex code when unrecognised.
func GenericTypeName(code byte) string {
	if name, ok := genericTypeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", code)
}

// DeviceClass groups the three-level class hierarchy a node reports
// during interrogation.
type DeviceClass struct {
	Basic    byte `json:"basic"`
	Generic  byte `json:"generic"`
	Specific byte `json:"specific"`
}

// String returns "basic/generic" labels with the specific code in hex,
// e.g. "routing_slave/multilevel_switch/0x01".
func (d DeviceClass) String() string {
	return fmt.Sprintf("%s/%s/0x%02X", BasicTypeName(d.Basic), GenericTypeName(d.Generic), d.Specific)
}
