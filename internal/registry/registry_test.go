package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/kjellberg/loxone/protocol"
)

func TestSubmitPopFIFOOrder(t *testing.T) {
	r := New()
	a := protocol.Command{Text: "a", Category: protocol.ResponseCategoryMessage}
	b := protocol.Command{Text: "b", Category: protocol.ResponseCategoryMessage}

	r.Submit(a)
	r.Submit(b)

	got, err := r.Pop()
	if err != nil || got.Text != "a" {
		t.Fatalf("first Pop() = %+v, %v, want a", got, err)
	}
	got, err = r.Pop()
	if err != nil || got.Text != "b" {
		t.Fatalf("second Pop() = %+v, %v, want b", got, err)
	}
}

func TestSubmitNoneCategoryNotEnqueued(t *testing.T) {
	r := New()
	r.Submit(protocol.Command{Text: "keepalive", Category: protocol.ResponseCategoryNone})
	if r.Len() != 0 {
		t.Errorf("Len() = %d after submitting a None-category command, want 0", r.Len())
	}
}

func TestPopEmpty(t *testing.T) {
	r := New()
	if _, err := r.Pop(); !errors.Is(err, ErrEmpty) {
		t.Errorf("Pop() on empty registry = %v, want ErrEmpty", err)
	}
}

func TestDrain(t *testing.T) {
	r := New()
	r.Submit(protocol.Command{Text: "a", Category: protocol.ResponseCategoryMessage})
	r.Submit(protocol.Command{Text: "b", Category: protocol.ResponseCategoryMessage})
	r.Drain()
	if r.Len() != 0 {
		t.Errorf("Len() = %d after Drain, want 0", r.Len())
	}
	if _, err := r.Pop(); !errors.Is(err, ErrEmpty) {
		t.Errorf("Pop() after Drain = %v, want ErrEmpty", err)
	}
}

func TestConcurrentSubmit(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Submit(protocol.Command{Text: "x", Category: protocol.ResponseCategoryMessage})
		}()
	}
	wg.Wait()
	if r.Len() != 50 {
		t.Errorf("Len() = %d after 50 concurrent submits, want 50", r.Len())
	}
}
