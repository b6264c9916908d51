//go:build !kernel

package goruntime

// The hosted runtime is already initialized; these stand in for the runtime
// internals that the kernel image links against.

func algInit()       {}
func modulesInit()   {}
func typeLinksInit() {}
func itabsInit()     {}
func mallocInit()    {}
