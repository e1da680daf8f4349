package session

import (
	"sync"
	"testing"
)

func TestStore_Lifecycle(t *testing.T) {
	st := NewStore()
	s := st.Create("u1")

	got, ok := st.Lookup(s.ID())
	if !ok || got != s {
		t.Fatalf("Lookup(%q) = %v, %v", s.ID(), got, ok)
	}
	if st.Len() != 1 {
		t.Errorf("Len = %d, want 1", st.Len())
	}

	st.Remove(s.ID())
	if _, ok := st.Lookup(s.ID()); ok {
		t.Error("session still present after Remove")
	}
	st.Remove(s.ID()) // no-op
	if st.Len() != 0 {
		t.Errorf("Len = %d, want 0", st.Len())
	}
}

func TestStore_ClaimOnce(t *testing.T) {
	st := NewStore()
	s := st.Create("u1")

	got, ok := st.Claim(s.ID())
	if !ok || got != s {
		t.Fatalf("first Claim = %v, %v", got, ok)
	}
	if got, ok := st.Claim(s.ID()); ok || got != s {
		t.Errorf("second Claim = %v, %v; want session, false", got, ok)
	}
	if got, ok := st.Claim("missing"); ok || got != nil {
		t.Errorf("Claim(missing) = %v, %v", got, ok)
	}

	st.Remove(s.ID())
	if _, ok := st.Claim(s.ID()); ok {
		t.Error("removed session should not be claimable")
	}
}

func TestStore_ClaimConcurrent(t *testing.T) {
	st := NewStore()
	s := st.Create("")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := st.Claim(s.ID()); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("%d claims succeeded, want 1", wins)
	}
}

func TestStore_LookupMissing(t *testing.T) {
	if _, ok := NewStore().Lookup("nope"); ok {
		t.Error("Lookup of unknown id reported found")
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	st := NewStore()
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := st.Create("")
			st.Lookup(s.ID())
			st.Remove(s.ID())
		}()
	}
	wg.Wait()
	if st.Len() != 0 {
		t.Errorf("Len = %d, want 0", st.Len())
	}
}
