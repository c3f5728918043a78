package vmm

import (
	"octox/kernel"
	"octox/kernel/mm"
	"octox/kernel/mm/pmm"
)

// userPage returns the contents of the user page containing virtAddr,
// starting at virtAddr. Pages written to must also be writable.
func (pt PageTable) userPage(virtAddr uint64, write bool) ([]byte, *kernel.Error) {
	if virtAddr >= mm.MaxVA {
		return nil, ErrFault
	}
	pte, err := pt.lookup(virtAddr)
	if err != nil || !pte.HasFlags(FlagUser) || (write && !pte.HasFlags(FlagWrite)) {
		return nil, ErrFault
	}
	off := PageOffset(virtAddr)
	return pmm.Bytes(pte.Frame().Address()+off, mm.PageSize-off), nil
}

// CopyOut copies src to the user address dstVA.
func (pt PageTable) CopyOut(dstVA uint64, src []byte) *kernel.Error {
	for len(src) > 0 {
		page, err := pt.userPage(dstVA, true)
		if err != nil {
			return err
		}
		n := copy(page, src)
		src = src[n:]
		dstVA += uint64(n)
	}
	return nil
}

// CopyIn fills dst from the user address srcVA.
func (pt PageTable) CopyIn(dst []byte, srcVA uint64) *kernel.Error {
	for len(dst) > 0 {
		page, err := pt.userPage(srcVA, false)
		if err != nil {
			return err
		}
		n := copy(dst, page)
		dst = dst[n:]
		srcVA += uint64(n)
	}
	return nil
}

// CopyInStr copies a NUL terminated string from the user address srcVA
// into dst and returns its length without the terminator. If dst fills up
// before the terminator is found ErrFault is returned.
func (pt PageTable) CopyInStr(dst []byte, srcVA uint64) (int, *kernel.Error) {
	copied := 0
	for copied < len(dst) {
		page, err := pt.userPage(srcVA, false)
		if err != nil {
			return 0, err
		}
		for _, b := range page {
			if b == 0 {
				return copied, nil
			}
			dst[copied] = b
			copied++
			srcVA++
			if copied == len(dst) {
				break
			}
		}
	}
	return 0, ErrFault
}
