package governor

import (
	"math"
	"testing"
)

func TestUsageCost(t *testing.T) {
	if got := usageCost(0, 0); got != 0 {
		t.Fatalf("usageCost(0,0) = %v, want 0", got)
	}

	// 1k input + 1k output at the published per-kilotoken rates.
	want := (inputUSDPerKiloToken + outputUSDPerKiloToken) * usdToEUR
	if got := usageCost(1000, 1000); math.Abs(got-want) > 1e-12 {
		t.Fatalf("usageCost(1000,1000) = %v, want %v", got, want)
	}

	// Output tokens are four times as expensive as input tokens.
	if in, out := usageCost(1000, 0), usageCost(0, 1000); math.Abs(out-4*in) > 1e-12 {
		t.Fatalf("rate ratio: input %v output %v, want output = 4*input", in, out)
	}
}

func TestUsageCostLinear(t *testing.T) {
	single := usageCost(350, 120)
	double := usageCost(700, 240)
	if math.Abs(double-2*single) > 1e-12 {
		t.Fatalf("cost must scale linearly: 2*%v != %v", single, double)
	}
	if single <= 0 {
		t.Fatalf("non-zero usage priced at %v", single)
	}
}
