package collab

import (
	"encoding/json"
	"flag"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestIdOrder(t *testing.T) {
	// ulids are ordered by create time
	// operation ids from the same process can be ordered

	a := NewId()
	for range 64 * 1024 {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, b.LessThan(b), false)
		assert.Equal(t, b == a, false)
		assert.Equal(t, b == b, true)
		a = b
	}
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b_ := NewId()
	test1.B = &b_

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, test1.B, test2.B)

	test3 := &Test{}
	test3.A = NewId()

	test3Json, err := json.Marshal(test3)
	assert.Equal(t, err, nil)

	test4 := &Test{}
	err = json.Unmarshal(test3Json, test4)
	assert.Equal(t, err, nil)

	assert.Equal(t, test3.A, test4.A)
	assert.Equal(t, test3.B, nil)
	assert.Equal(t, test3.B, test4.B)

	err = json.Unmarshal([]byte(`{"a":"not-an-id"}`), &Test{})
	assert.NotEqual(t, err, nil)
}

func TestIdParse(t *testing.T) {
	a := NewId()
	b, err := ParseId(a.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, a, b)

	c, err := IdFromBytes(a.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, a, c)

	_, err = IdFromBytes([]byte{1, 2, 3})
	assert.NotEqual(t, err, nil)

	assert.Equal(t, Id{}.IsZero(), true)
	assert.Equal(t, a.IsZero(), false)
}

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()
	aId := callbacks.Add(func() int { return 1 })
	callbacks.Add(func() int { return 2 })

	before := callbacks.Get()
	assert.Equal(t, len(before), 2)

	callbacks.Remove(aId)
	// removing twice is a no-op
	callbacks.Remove(aId)

	after := callbacks.Get()
	assert.Equal(t, len(after), 1)
	assert.Equal(t, after[0](), 2)
	// earlier reads are not mutated
	assert.Equal(t, len(before), 2)
	assert.Equal(t, before[0](), 1)
}

func TestHandleError(t *testing.T) {
	var handled error
	r := HandleError(func() {
		panic("boom")
	}, func(err error) {
		handled = err
	})
	assert.Equal(t, r, "boom")
	assert.Equal(t, handled.Error(), "boom")

	r = HandleError(func() {})
	assert.Equal(t, r, nil)
}

func TestTrace(t *testing.T) {
	ran := false
	Trace("[test]trace", func() {
		ran = true
	})
	assert.Equal(t, ran, true)

	result, err := TraceWithReturnError("[test]trace", func() (int, error) {
		return 3, nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result, 3)

	_, err = TraceWithReturnError("[test]trace", func() (int, error) {
		return 0, ErrPeerClosed
	})
	assert.Equal(t, err, ErrPeerClosed)

	assert.Equal(t, CallbackName(initGlog), "github.com/bringyour/collab/collab.initGlog")
}

func TestSubLogFn(t *testing.T) {
	lines := []string{}
	log := func(format string, a ...any) {
		lines = append(lines, fmt.Sprintf(format, a...))
	}
	peerLog := SubLogFn(SubLogFn(log, "p"), "b")
	peerLog("closed = %s", "timeout")
	assert.Equal(t, lines, []string{"[p][b]closed = timeout"})
}
