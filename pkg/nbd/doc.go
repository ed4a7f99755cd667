// Package nbd attaches engine bdevs to local network block devices and
// stages them as mounted filesystems.
//
// Device slots are discovered from sysfs (/sys/block/nbd*). A slot is free
// when the kernel reports no owning process for it and the engine does not
// already export a bdev through it.
package nbd
