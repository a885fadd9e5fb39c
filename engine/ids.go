package engine

import "crypto/rand"

// idAlphabet is the 63-character set used for run ids, matching the
// url-safe nanoid alphabet variant minus '-'.
const idAlphabet = "_0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const idLength = 21

// NewID returns a 21-character random identifier drawn uniformly from
// idAlphabet. It uses rejection sampling against crypto/rand so every
// character is unbiased despite the alphabet size (63) not dividing
// evenly into 256.
func NewID() string {
	const maxByte = 256 - (256 % len(idAlphabet))

	id := make([]byte, idLength)
	scratch := make([]byte, idLength*2)

	n := 0
	for n < idLength {
		if _, err := rand.Read(scratch); err != nil {
			panic("engine: crypto/rand unavailable: " + err.Error())
		}
		for _, b := range scratch {
			if int(b) >= maxByte {
				continue
			}
			id[n] = idAlphabet[int(b)%len(idAlphabet)]
			n++
			if n == idLength {
				break
			}
		}
	}
	return string(id)
}
