package sprt

// elo.go contains the logistic Elo model and the SPRT decision bounds.

import "math"

// Score returns the expected score of a player that is elo points stronger
// than its opponent.
func Score(elo float64) float64 {
	return 1 / (1 + math.Pow(10, -elo/400))
}

// EloFromScore is the inverse of Score. The score is clamped away from 0
// and 1 so the result stays finite.
func EloFromScore(score float64) float64 {
	score = clampScore(score)
	return -400 * math.Log10(1/score-1)
}

// Bounds returns the SPRT acceptance bounds A = ln(beta/(1-alpha)) and
// B = ln((1-beta)/alpha). For 0 < alpha, beta < 0.5, A < 0 < B.
func Bounds(alpha, beta float64) (a, b float64) {
	a = math.Log(beta / (1 - alpha))
	b = math.Log((1 - beta) / alpha)
	return a, b
}

const scoreEpsilon = 1e-6

func clampScore(score float64) float64 {
	if score < scoreEpsilon {
		return scoreEpsilon
	}
	if score > 1-scoreEpsilon {
		return 1 - scoreEpsilon
	}
	return score
}
