// Package bledb provides human-readable names for Bluetooth SIG assigned
// GATT UUIDs. The tables cover the assigned numbers commonly seen on real
// peripherals; unknown UUIDs resolve to an empty name.
package bledb

import "strings"

// standardBaseSuffix is the tail of the Bluetooth SIG base UUID
// 0000xxxx-0000-1000-8000-00805f9b34fb in normalized (dashless) form.
const standardBaseSuffix = "00001000800000805f9b34fb"

var services = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"1802": "Immediate Alert",
	"1803": "Link Loss",
	"1804": "Tx Power",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"1810": "Blood Pressure",
	"1812": "Human Interface Device",
	"1816": "Cycling Speed and Cadence",
	"1818": "Cycling Power",
	"1819": "Location and Navigation",
	"181a": "Environmental Sensing",
	"181c": "User Data",
	"181d": "Weight Scale",
	"1826": "Fitness Machine",
}

var characteristics = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a04": "Peripheral Preferred Connection Parameters",
	"2a05": "Service Changed",
	"2a19": "Battery Level",
	"2a23": "System ID",
	"2a24": "Model Number String",
	"2a25": "Serial Number String",
	"2a26": "Firmware Revision String",
	"2a27": "Hardware Revision String",
	"2a28": "Software Revision String",
	"2a29": "Manufacturer Name String",
	"2a35": "Blood Pressure Measurement",
	"2a37": "Heart Rate Measurement",
	"2a38": "Body Sensor Location",
	"2a39": "Heart Rate Control Point",
	"2a63": "Cycling Power Measurement",
	"2a6d": "Pressure",
	"2a6e": "Temperature",
	"2a6f": "Humidity",
}

var descriptors = map[string]string{
	"2900": "Characteristic Extended Properties",
	"2901": "Characteristic User Description",
	"2902": "Client Characteristic Configuration",
	"2903": "Server Characteristic Configuration",
	"2904": "Characteristic Presentation Format",
	"2905": "Characteristic Aggregate Format",
	"2906": "Valid Range",
}

// shortForm reduces a UUID to its 16-bit assigned-number form when it is
// built on the Bluetooth SIG base UUID. Returns "" for vendor UUIDs.
func shortForm(uuid string) string {
	u := strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
	switch len(u) {
	case 4:
		return u
	case 8:
		// 32-bit form: 0000xxxx
		if strings.HasPrefix(u, "0000") {
			return u[4:]
		}
		return ""
	case 32:
		if strings.HasPrefix(u, "0000") && strings.HasSuffix(u, standardBaseSuffix) {
			return u[4:8]
		}
		return ""
	default:
		return ""
	}
}

// LookupService returns the assigned name for a service UUID, or "".
func LookupService(uuid string) string {
	return services[shortForm(uuid)]
}

// LookupCharacteristic returns the assigned name for a characteristic UUID, or "".
func LookupCharacteristic(uuid string) string {
	return characteristics[shortForm(uuid)]
}

// LookupDescriptor returns the assigned name for a descriptor UUID, or "".
func LookupDescriptor(uuid string) string {
	return descriptors[shortForm(uuid)]
}
