package analytics

import (
	"math"
	"sort"
)

// Descriptive and inferential helpers. Functions return nil or ok=false when
// the statistic is undefined for the input instead of a fabricated zero.

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// sampleStdDev uses the n-1 denominator and needs at least two values.
func sampleStdDev(xs []float64) (float64, bool) {
	if len(xs) < 2 {
		return 0, false
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1)), true
}

// downsideDeviation is the root mean square of deviations below the mean;
// values above the mean contribute zero.
func downsideDeviation(xs []float64) (float64, bool) {
	if len(xs) < 2 {
		return 0, false
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		if d := x - m; d < 0 {
			ss += d * d
		}
	}
	return math.Sqrt(ss / float64(len(xs))), true
}

// fractionAtOrBelow returns the share of values <= v, scaled to 0-100.
func fractionAtOrBelow(values []float64, v float64) float64 {
	if len(values) == 0 {
		return 0
	}
	n := 0
	for _, x := range values {
		if x <= v {
			n++
		}
	}
	return 100 * float64(n) / float64(len(values))
}

// rankPercentile is the rank-count percentile: the share of the other
// members strictly below v. A population of one ranks at 100.
func rankPercentile(values []float64, v float64) float64 {
	if len(values) <= 1 {
		return 100
	}
	below := 0
	for _, x := range values {
		if x < v {
			below++
		}
	}
	return 100 * float64(below) / float64(len(values)-1)
}

// pearson returns nil when either series has zero variance.
func pearson(xs, ys []float64) *float64 {
	n := len(xs)
	if n < 2 || n != len(ys) {
		return nil
	}
	mx, my := mean(xs), mean(ys)
	var sxy, sxx, syy float64
	for i := 0; i < n; i++ {
		dx, dy := xs[i]-mx, ys[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return nil
	}
	r := sxy / math.Sqrt(sxx*syy)
	r = math.Max(-1, math.Min(1, r))
	return &r
}

type olsFit struct {
	n         int
	slope     float64
	intercept float64
	rSquared  *float64
	stdErr    float64 // residual standard error, n-2 degrees of freedom
	slopeSE   float64
}

// fitOLS needs at least three points and variance in x.
func fitOLS(xs, ys []float64) (olsFit, bool) {
	n := len(xs)
	if n < 3 || n != len(ys) {
		return olsFit{}, false
	}
	mx, my := mean(xs), mean(ys)
	var sxy, sxx, syy float64
	for i := 0; i < n; i++ {
		dx, dy := xs[i]-mx, ys[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 {
		return olsFit{}, false
	}

	fit := olsFit{n: n, slope: sxy / sxx}
	fit.intercept = my - fit.slope*mx

	var sse float64
	for i := 0; i < n; i++ {
		r := ys[i] - (fit.intercept + fit.slope*xs[i])
		sse += r * r
	}
	if syy > 0 {
		r2 := math.Max(0, math.Min(1, 1-sse/syy))
		fit.rSquared = &r2
	}
	fit.stdErr = math.Sqrt(sse / float64(n-2))
	fit.slopeSE = fit.stdErr / math.Sqrt(sxx)
	return fit, true
}

// studentTwoTailedP returns P(|T| >= |t|) for Student's t with df degrees
// of freedom.
func studentTwoTailedP(t, df float64) float64 {
	if df <= 0 || math.IsNaN(t) {
		return math.NaN()
	}
	if math.IsInf(t, 0) {
		return 0
	}
	x := df / (df + t*t)
	return regIncBeta(df/2, 0.5, x)
}

// regIncBeta is the regularized incomplete beta function I_x(a, b),
// evaluated with Lentz's continued fraction.
func regIncBeta(a, b, x float64) float64 {
	switch {
	case x <= 0:
		return 0
	case x >= 1:
		return 1
	}
	la, _ := math.Lgamma(a)
	lb, _ := math.Lgamma(b)
	lab, _ := math.Lgamma(a + b)
	front := math.Exp(lab - la - lb + a*math.Log(x) + b*math.Log(1-x))

	if x < (a+1)/(a+b+2) {
		return front * betaCF(a, b, x) / a
	}
	return 1 - front*betaCF(b, a, 1-x)/b
}

func betaCF(a, b, x float64) float64 {
	const (
		maxIter = 200
		eps     = 3e-14
		tiny    = 1e-300
	)
	qab, qap, qam := a+b, a+1, a-1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < tiny {
		d = tiny
	}
	d = 1 / d
	h := d
	for m := 1; m <= maxIter; m++ {
		fm := float64(m)
		m2 := 2 * fm

		aa := fm * (b - fm) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		h *= d * c

		aa = -(a + fm) * (qab + fm) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		del := d * c
		h *= del
		if math.Abs(del-1) < eps {
			break
		}
	}
	return h
}

// sortedKeys returns map keys in ascending order.
func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func ptr(v float64) *float64 { return &v }
