package engine

import (
	"context"
	"errors"
	"testing"
)

func TestStreamDeliversThenFinishes(t *testing.T) {
	s := newStream(2)
	if !s.emit(context.Background(), Token{ID: 7, Position: 3}) {
		t.Fatal("emit failed with room in the buffer")
	}
	s.finish(Result{Reason: FinishLength, TokenIDs: []int{7}})

	var got []Token
	for tok := range s.Tokens() {
		got = append(got, tok)
	}
	if len(got) != 1 || got[0].ID != 7 {
		t.Fatalf("tokens = %+v", got)
	}
	if res := s.Result(); res.Reason != FinishLength {
		t.Fatalf("result = %+v", res)
	}
}

func TestStreamEmitHonorsCancellation(t *testing.T) {
	s := newStream(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// No consumer; the unbuffered send must yield to the canceled context.
	if s.emit(ctx, Token{ID: 1}) {
		t.Fatal("emit succeeded against a canceled context with no reader")
	}
}

func TestStreamFinishRecordsErrorString(t *testing.T) {
	s := newStream(1)
	s.finish(Result{Reason: FinishError, Err: errors.New("device lost")})
	res := s.Result()
	if res.ErrString != "device lost" {
		t.Fatalf("err string = %q", res.ErrString)
	}
}
