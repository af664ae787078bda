//go:build linux

package kernel

// ioctl command encoding, ported from go4vl/v4l2/ioctl.go: a 32-bit value
// laid out as { access mode (2 bits) | size (14 bits) | type (8 bits) |
// number (8 bits) }, per Linux's asm-generic/ioctl.h.
const (
	iocOpNone  = 0
	iocOpWrite = 1
	iocOpRead  = 2

	iocNumberBits = 8
	iocTypeBits   = 8
	iocSizeBits   = 14

	numberPos = 0
	typePos   = numberPos + iocNumberBits
	sizePos   = typePos + iocTypeBits
	opPos     = sizePos + iocSizeBits
)

func iocEnc(op, typ, number, size uintptr) uintptr {
	return (op << opPos) | (typ << typePos) | (number << numberPos) | (size << sizePos)
}

func iocRead(typ, number, size uintptr) uintptr      { return iocEnc(iocOpRead, typ, number, size) }
func iocWrite(typ, number, size uintptr) uintptr     { return iocEnc(iocOpWrite, typ, number, size) }
func iocReadWrite(typ, number, size uintptr) uintptr { return iocEnc(iocOpRead|iocOpWrite, typ, number, size) }
