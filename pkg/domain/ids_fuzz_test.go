package domain

import "testing"

// FuzzParseUserID checks that parsing never panics and that accepted IDs round-trip.
func FuzzParseUserID(f *testing.F) {
	f.Add("")
	f.Add("66f1c0a9e4b0a1b2c3d4e5f6")
	f.Add("'; DROP TABLE users;--")
	f.Add(string([]byte{0x00, 0x01, 0x02}))
	f.Add("abc\x00suffix")

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseUserID(input)
		if err != nil {
			return
		}
		roundTrip, err := ParseUserID(id.String())
		if err != nil {
			t.Errorf("valid ID failed round-trip: %v", err)
		}
		if roundTrip != id {
			t.Error("round-trip changed ID value")
		}
		if len(id) == 0 || len(id) > MaxIDLength {
			t.Errorf("accepted ID with invalid length %d", len(id))
		}
	})
}
