package store

import (
	"crypto/md5" //nolint:gosec // cache keys, not security
	"encoding/binary"
	"strings"

	"github.com/calvinalkan/smpcache/pkg/ipc"
)

// Key identifies a cached object. Public keys are derived from the request
// method and URL so every worker computes the same key; private keys are
// unique per entry and never shared.
type Key = ipc.Key

// Method is the request method an object was fetched with.
type Method uint8

// Methods.
const (
	MethodNone Method = iota
	MethodGet
	MethodHead
	MethodPost
	MethodPut
	MethodDelete
	MethodOther
)

var methodNames = [...]string{"NONE", "GET", "HEAD", "POST", "PUT", "DELETE", "OTHER"}

func (m Method) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}

	return "OTHER"
}

// ParseMethod maps a method name to a [Method]. Unknown names are MethodOther.
func ParseMethod(s string) Method {
	for i, name := range methodNames {
		if strings.EqualFold(s, name) {
			return Method(i)
		}
	}

	return MethodOther
}

// PublicKey returns the shared key of an object: MD5 over the method byte
// followed by the URL.
func PublicKey(m Method, url string) Key {
	h := md5.New() //nolint:gosec
	h.Write([]byte{byte(m)})
	h.Write([]byte(url))

	var k Key

	h.Sum(k[:0])

	return k
}

func privateKey(worker int, n uint64) Key {
	var b [16]byte

	binary.LittleEndian.PutUint64(b[0:8], uint64(worker)) //nolint:gosec
	binary.LittleEndian.PutUint64(b[8:16], n)

	return md5.Sum(b[:]) //nolint:gosec
}

// RequestFlags are the request properties an entry was created with. They
// are stored in shared memory for collapsed readers.
type RequestFlags uint32

// Request flags.
const (
	ReqCachable RequestFlags = 1 << iota
	ReqHierarchical
	ReqRefresh
	ReqRange
)
