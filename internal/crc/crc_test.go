package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCcittSingle(t *testing.T) {
	var c CRC16
	c.Single(10)
	assert.EqualValues(t, 0xA14A, c)
}

func TestBlockMatchesSingle(t *testing.T) {
	data := []byte{0x35, 0x10, 0x03}
	var viaSingle CRC16
	for _, b := range data {
		viaSingle.Single(b)
	}
	assert.EqualValues(t, viaSingle, Of(data))
}

func TestMSBLSBRoundTrip(t *testing.T) {
	c := Of([]byte{1, 2, 3, 4, 5})
	assert.EqualValues(t, c, CRC16(uint16(c.MSB())<<8|uint16(c.LSB())))
}
