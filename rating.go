/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import "math"

const (
	// Maximum per-match adjustment before the gap multiplier.
	ratingKFactor = 32

	// Ratings never drop below this, regardless of losses.
	ratingFloor = 100

	// Rating gap beyond which the multiplier kicks in.
	ratingGapThreshold = 100
)

type outcome int

const (
	outcomePlayer1Wins outcome = iota
	outcomePlayer2Wins
	outcomeTie
)

type ratingResult struct {
	delta1, delta2   int
	rating1, rating2 int
}

// adjustRatings computes the rating change for a completed match between
// players currently rated rating1 and rating2. Deltas follow the standard
// expected-score formula with K=32. When the gap between the two ratings
// exceeds 100 points, both deltas are scaled by 1 + (gap-100)/400:
// multiplied when the outcome favors the lower-rated player, divided when
// the favorite simply won as expected. New ratings are clamped to the
// floor; the reported deltas are not.
func adjustRatings(rating1, rating2 int, result outcome) ratingResult {
	expected1 := 1 / (1 + math.Pow(10, float64(rating2-rating1)/400))
	expected2 := 1 - expected1

	var actual1, actual2 float64
	switch result {
	case outcomePlayer1Wins:
		actual1, actual2 = 1, 0
	case outcomePlayer2Wins:
		actual1, actual2 = 0, 1
	case outcomeTie:
		actual1, actual2 = 0.5, 0.5
	}

	delta1 := int(math.Round(ratingKFactor * (actual1 - expected1)))
	delta2 := int(math.Round(ratingKFactor * (actual2 - expected2)))

	gap := rating1 - rating2
	if gap < 0 {
		gap = -gap
	}

	if gap > ratingGapThreshold {
		multiplier := 1 + float64(gap-ratingGapThreshold)/400

		favorsUnderdog := result == outcomeTie ||
			(result == outcomePlayer1Wins && rating1 < rating2) ||
			(result == outcomePlayer2Wins && rating2 < rating1)

		if favorsUnderdog {
			delta1 = int(math.Round(float64(delta1) * multiplier))
			delta2 = int(math.Round(float64(delta2) * multiplier))
		} else {
			delta1 = int(math.Round(float64(delta1) / multiplier))
			delta2 = int(math.Round(float64(delta2) / multiplier))
		}
	}

	return ratingResult{
		delta1:  delta1,
		delta2:  delta2,
		rating1: max(ratingFloor, rating1+delta1),
		rating2: max(ratingFloor, rating2+delta2),
	}
}
