package session

import "e2e_relay/internal/model"

// MaxArchived bounds Record.Previous.
const MaxArchived = 40

// HasBaseKey reports whether the current or an archived session was built
// from base.
func (r *Record) HasBaseKey(base model.PublicKey) bool {
	if r.BaseKey == base {
		return true
	}
	for _, a := range r.Previous {
		if a.BaseKey == base {
			return true
		}
	}
	return false
}

// Supersede makes next the current session of r and archives the one it
// replaces. The remote identity fields follow next.
func (r *Record) Supersede(next *Record) {
	prev := append([]Archived{r.current()}, r.Previous...)
	if len(prev) > MaxArchived {
		prev = prev[:MaxArchived]
	}
	r.RemoteRegistrationID = next.RemoteRegistrationID
	r.RemoteIdentity = next.RemoteIdentity
	r.BaseKey = next.BaseKey
	r.Pending = next.Pending
	r.State = next.State
	r.Previous = prev
}

// Decrypt tries the current session first and then the archived ones. An
// archived session that decrypts becomes current. On error r is unchanged
// and the error of the current session is returned.
func (r *Record) Decrypt(h model.RatchetHeader, ciphertext []byte) ([]byte, error) {
	plaintext, err := r.State.Decrypt(h, ciphertext)
	if err == nil {
		return plaintext, nil
	}
	for i, a := range r.Previous {
		p, perr := a.State.Decrypt(h, ciphertext)
		if perr != nil {
			continue
		}
		r.promote(i)
		return p, nil
	}
	return nil, err
}

func (r *Record) current() Archived {
	return Archived{BaseKey: r.BaseKey, Pending: r.Pending, State: r.State}
}

func (r *Record) promote(i int) {
	a := r.Previous[i]
	rest := make([]Archived, 0, len(r.Previous))
	rest = append(rest, r.current())
	rest = append(rest, r.Previous[:i]...)
	rest = append(rest, r.Previous[i+1:]...)

	r.BaseKey = a.BaseKey
	r.Pending = a.Pending
	r.State = a.State
	r.Previous = rest
}
