package abi

import (
	"io/fs"
	"time"
)

// Stat is the attribute record returned by stat-family calls for nodes
// and handles alike.
type Stat struct {
	Dev   uint64
	Ino   uint64
	Mode  fs.FileMode
	Nlink uint32
	Uid   uint32
	Gid   uint32
	Rdev  uint64
	Size  int64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// Dirent is one entry produced by getdents.
type Dirent struct {
	Ino  uint64
	Name string
	Type fs.FileMode
}
