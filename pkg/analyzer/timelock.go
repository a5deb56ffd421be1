package analyzer

// LocktimeType reports whether a lock_time is a block height, a unix
// timestamp, or unset.
func LocktimeType(lockTime uint32) string {
	if lockTime == 0 {
		return "none"
	}
	if lockTime < 500000000 {
		return "block_height"
	}
	return "unix_timestamp"
}

// RelativeTimelock decodes a BIP68 relative timelock from an input
// sequence number.
func RelativeTimelock(sequence uint32) (enabled bool, tlType string, value uint32) {
	// Bit 31 set disables the relative timelock.
	if sequence&(1<<31) != 0 {
		return false, "", 0
	}
	if sequence >= 0xfffffffe {
		return false, "", 0
	}
	// Bit 22 selects the unit: blocks or 512-second increments.
	if sequence&(1<<22) != 0 {
		return true, "time", (sequence & 0xffff) * 512
	}
	return true, "blocks", sequence & 0xffff
}
