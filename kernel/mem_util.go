package kernel

// Memset sets every byte in dst to value. Instead of looping over each byte,
// Memset fills the first byte and then doubles the filled prefix with
// log2(len(dst)) copy calls; page-sized targets are filled in 12 copies.
func Memset(dst []byte, value byte) {
	if len(dst) == 0 {
		return
	}

	dst[0] = value
	for index := 1; index < len(dst); index *= 2 {
		copy(dst[index:], dst[:index])
	}
}
