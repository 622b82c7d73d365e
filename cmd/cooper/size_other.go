//go:build !unix

package main

import (
	"context"

	"tractor.dev/cooper/kernel"
)

func watchSize(ctx context.Context, c *kernel.Console, fd int) {}
