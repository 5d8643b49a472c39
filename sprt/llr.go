package sprt

// llr.go computes the pentanomial log-likelihood ratio and the normal
// approximation Elo estimate.

import "math"

// pairScores are the pair scores of the five pentanomial classes, scaled to
// [0, 1]: both lost, loss and draw, two draws or a split, draw and win, both won.
var pairScores = [5]float64{0, 0.25, 0.5, 0.75, 1}

// regularization replaces empty buckets so the likelihood stays defined.
const regularization = 1e-3

// z95 is the two-sided 95% quantile of the standard normal distribution.
const z95 = 1.959963984540054

// LLR returns the log-likelihood ratio of the observed pentanomial counts
// under the hypotheses elo1 versus elo0.
//
// For each hypothesis the maximum likelihood distribution whose expected
// pair score equals Score(elo) is fitted to the observed frequencies; the
// result is the number of pairs times the expected log ratio of the two
// fitted distributions.
func LLR(p [5]uint64, elo0, elo1 float64) float64 {
	n := pairs(p)
	if n == 0 {
		return 0
	}

	freq := regularize(p)
	q0 := fitExpectedScore(freq, Score(elo0))
	q1 := fitExpectedScore(freq, Score(elo1))

	var sum float64
	for i := range freq {
		sum += freq[i] * math.Log(q1[i]/q0[i])
	}
	return float64(n) * sum
}

// Estimate returns the Elo point estimate of the pentanomial counts and the
// half-width of its 95% confidence interval. The half-width is +Inf while it
// is undefined: fewer than two pairs or no variance between pairs.
func Estimate(p [5]uint64) (elo, pm float64) {
	n := pairs(p)
	if n == 0 {
		return 0, math.Inf(1)
	}

	var mean float64
	for i, c := range p {
		mean += float64(c) * pairScores[i]
	}
	mean /= float64(n)
	elo = EloFromScore(mean)

	if n < 2 {
		return elo, math.Inf(1)
	}

	var variance float64
	for i, c := range p {
		d := pairScores[i] - mean
		variance += float64(c) * d * d
	}
	variance /= float64(n - 1)
	if variance <= 0 {
		return elo, math.Inf(1)
	}

	se := math.Sqrt(variance / float64(n))
	lower := EloFromScore(mean - z95*se)
	upper := EloFromScore(mean + z95*se)
	return elo, (upper - lower) / 2
}

func pairs(p [5]uint64) uint64 {
	var n uint64
	for _, c := range p {
		n += c
	}
	return n
}

func regularize(p [5]uint64) [5]float64 {
	var freq [5]float64
	var total float64
	for i, c := range p {
		freq[i] = float64(c)
		if c == 0 {
			freq[i] = regularization
		}
		total += freq[i]
	}
	for i := range freq {
		freq[i] /= total
	}
	return freq
}

// fitExpectedScore returns the distribution q maximizing sum(freq*ln(q))
// subject to sum(q*pairScores) == s. The solution has the form
// q_i = freq_i / (1 + theta*(a_i - s)); theta is the root of a strictly
// decreasing function on (-1/(1-s), 1/s) and is found by bisection.
func fitExpectedScore(freq [5]float64, s float64) [5]float64 {
	s = clampScore(s)

	f := func(theta float64) float64 {
		var sum float64
		for i, a := range pairScores {
			d := a - s
			sum += freq[i] * d / (1 + theta*d)
		}
		return sum
	}

	lo, hi := -1/(1-s), 1/s
	for i := 0; i < 200; i++ {
		mid := lo + (hi-lo)/2
		if mid <= lo || mid >= hi {
			break
		}
		if f(mid) > 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	theta := lo + (hi-lo)/2

	var q [5]float64
	var total float64
	for i, a := range pairScores {
		q[i] = freq[i] / (1 + theta*(a-s))
		total += q[i]
	}
	for i := range q {
		q[i] /= total
	}
	return q
}
