package bufferpool

import "testing"

func TestGetRestoresLength(t *testing.T) {
	p := New(1500)
	b := p.Get()
	if len(*b) != 1500 || p.Size() != 1500 {
		t.Fatalf("len = %d", len(*b))
	}
	*b = (*b)[:20]
	p.Put(b)
	if got := p.Get(); len(*got) != 1500 {
		t.Fatalf("len after reuse = %d", len(*got))
	}

	small := make([]byte, 10)
	p.Put(&small)
	p.Put(nil)
}
