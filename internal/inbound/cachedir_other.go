//go:build !unix

package inbound

import "os"

func checkOwner(os.FileInfo, string) error { return nil }
