package transform

import "testing"

func TestApplyRotationWrapsAt360(t *testing.T) {
	c := &Config{}
	for i := 0; i < 4; i++ {
		c.ApplyRotation()
	}
	if got := c.Snapshot().RotationDegrees; got != 0 {
		t.Fatalf("expected rotation to wrap back to 0 after 4 applications, got %d", got)
	}
}

func TestTokenOrderingIsRotationThenFlipsThenInvert(t *testing.T) {
	c := &Config{}
	c.ToggleInvert()
	c.ToggleFlipV()
	c.ToggleFlipH()
	c.ApplyRotation()

	tokens := c.Snapshot().Tokens()
	want := []Token{TokenRotate90, TokenFlipH, TokenFlipV, TokenInvert}
	if len(tokens) != len(want) {
		t.Fatalf("expected %v, got %v", want, tokens)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, tokens)
		}
	}
}

func TestResetIsIdempotentAndNeutral(t *testing.T) {
	c := &Config{}
	c.ApplyRotation()
	c.ToggleFlipH()
	c.ToggleFlipV()
	c.ToggleInvert()
	c.Reset()
	c.Reset()

	snap := c.Snapshot()
	if snap.RotationDegrees != 0 || snap.FlipH || snap.FlipV || snap.Invert {
		t.Fatalf("expected all-neutral after reset, got %+v", snap)
	}
	if len(snap.Tokens()) != 0 {
		t.Fatalf("expected no tokens for neutral config, got %v", snap.Tokens())
	}
}

func TestNoRotationProducesNoRotationToken(t *testing.T) {
	c := &Config{}
	c.ToggleFlipH()
	tokens := c.Snapshot().Tokens()
	if len(tokens) != 1 || tokens[0] != TokenFlipH {
		t.Fatalf("expected only flip_h token, got %v", tokens)
	}
}
