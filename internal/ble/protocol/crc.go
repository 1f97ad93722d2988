package protocol

// crcTable is the CCITT (0x1021) lookup table, MSB first.
var crcTable = func() [256]uint16 {
	var t [256]uint16
	for i := range t {
		crc := uint16(i) << 8
		for range 8 {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

// CRC16 continues a BluFi checksum from crc over data. Start with 0.
// Input and output are inverted, so CRC16(CRC16(0, a), b) == CRC16(0, a||b).
func CRC16(crc uint16, data []byte) uint16 {
	crc = ^crc
	for _, b := range data {
		crc = crcTable[byte(crc>>8)^b] ^ crc<<8
	}
	return ^crc
}
