package bledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupService(t *testing.T) {
	tests := []struct {
		name string
		uuid string
		want string
	}{
		{
			name: "16-bit short form",
			uuid: "180D",
			want: "Heart Rate",
		},
		{
			name: "full base UUID with dashes",
			uuid: "0000180f-0000-1000-8000-00805f9b34fb",
			want: "Battery Service",
		},
		{
			name: "full base UUID normalized",
			uuid: "0000180a00001000800000805f9b34fb",
			want: "Device Information",
		},
		{
			name: "vendor UUID",
			uuid: "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
			want: "",
		},
		{
			name: "unknown assigned number",
			uuid: "ffff",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LookupService(tt.uuid))
		})
	}
}

func TestLookupCharacteristic(t *testing.T) {
	assert.Equal(t, "Heart Rate Measurement", LookupCharacteristic("2A37"))
	assert.Equal(t, "Battery Level", LookupCharacteristic("00002a19-0000-1000-8000-00805f9b34fb"))
	assert.Equal(t, "", LookupCharacteristic("deadbeef"))
}

func TestLookupDescriptor(t *testing.T) {
	assert.Equal(t, "Client Characteristic Configuration", LookupDescriptor("2902"))
	assert.Equal(t, "", LookupDescriptor("2 not a uuid"))
}

func TestShortForm32Bit(t *testing.T) {
	assert.Equal(t, "180d", shortForm("0000180D"))
	assert.Equal(t, "", shortForm("1234180d"))
}
