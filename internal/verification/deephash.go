package verification

import (
	"crypto/sha512"
	"strconv"
)

// deepHashItem is either a blob (Blob set) or a list of items.
type deepHashItem struct {
	Blob []byte
	List []deepHashItem
}

func blobItem(b []byte) deepHashItem         { return deepHashItem{Blob: b} }
func listItem(l ...deepHashItem) deepHashItem { return deepHashItem{List: l} }

// deepHash computes the SHA-384 deep hash over a nested blob/list structure:
//
//	blob:  H(H("blob" + len) || H(data))
//	list:  acc = H("list" + len); acc = H(acc || deepHash(elem)) for each elem
//
// This is the canonical digest transactions are signed over.
func deepHash(item deepHashItem) [48]byte {
	if item.List == nil {
		tag := []byte("blob" + strconv.Itoa(len(item.Blob)))
		tagHash := sha512.Sum384(tag)
		dataHash := sha512.Sum384(item.Blob)
		return sha512.Sum384(append(tagHash[:], dataHash[:]...))
	}

	tag := []byte("list" + strconv.Itoa(len(item.List)))
	acc := sha512.Sum384(tag)
	for _, elem := range item.List {
		elemHash := deepHash(elem)
		acc = sha512.Sum384(append(acc[:], elemHash[:]...))
	}
	return acc
}
