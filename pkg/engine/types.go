package engine

// Bdev describes a block device exported by the storage engine
type Bdev struct {
	Name        string `json:"name"`
	UUID        string `json:"uuid,omitempty"`
	ProductName string `json:"product_name,omitempty"`
	BlockSize   uint32 `json:"block_size"`
	NumBlocks   uint64 `json:"num_blocks"`
}

// SizeBytes returns the total capacity of the bdev
func (b Bdev) SizeBytes() int64 {
	return int64(b.BlockSize) * int64(b.NumBlocks)
}

// NbdDisk is a bdev attached to a local NBD device
type NbdDisk struct {
	BdevName  string `json:"bdev_name"`
	NbdDevice string `json:"nbd_device"`
}

type getBdevsArgs struct {
	Name string `json:"name,omitempty"`
}

type startNbdDiskArgs struct {
	BdevName  string `json:"bdev_name"`
	NbdDevice string `json:"nbd_device"`
}

type stopNbdDiskArgs struct {
	NbdDevice string `json:"nbd_device"`
}
