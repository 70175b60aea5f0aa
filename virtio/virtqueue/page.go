package virtqueue

import "os"

// pageSize is the allocation granularity used to align the ring memory.
var pageSize = uintptr(os.Getpagesize())
