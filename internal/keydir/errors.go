package keydir

import "errors"

// errOutOfMemory surfaces the key/index arena refusing an allocation.
var errOutOfMemory = errors.New("keydir: out of memory")

// errTableFull means every group in a key's probe sequence was full,
// which should not happen once maybeGrow keeps the load factor bounded;
// it is a signal to shrink maxProbeGroups' safety margin or grow sooner.
var errTableFull = errors.New("keydir: probe sequence exhausted")
