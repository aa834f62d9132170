package extern

import "github.com/stealthrocket/threadlocal"

var counterTLS = threadlocal.New[int](nil)

var namesTLS = threadlocal.New[map[string]int](nil)

var plainTLS int
