// +build 386

package mem

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// PointerShift is equal to log2(pointer size). On a 32-bit target a
	// pointer (and a page table entry) is 4 bytes wide.
	PointerShift = 2
)
