package ta

import "math"

func MeanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// SMA is the simple average of the last period values. With fewer values it
// averages what is there.
func SMA(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	if period <= 0 || period > len(values) {
		period = len(values)
	}
	mean, _ := MeanStd(values[len(values)-period:])
	return mean
}

// RSI is a simple-average RSI over the last period price changes.
// Returns the neutral 50 when there is not enough data.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) <= period {
		return 50
	}
	var gainSum, lossSum float64
	for i := len(closes) - period; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum -= delta
		}
	}
	return rsiFromAvg(gainSum/float64(period), lossSum/float64(period))
}

func rsiFromAvg(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// Returns yields simple returns between consecutive prices.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, prices[i]/prices[i-1]-1)
	}
	return out
}

// Volatility is the standard deviation of returns over the last window prices.
func Volatility(prices []float64, window int) float64 {
	if window > 0 && len(prices) > window {
		prices = prices[len(prices)-window:]
	}
	_, std := MeanStd(Returns(prices))
	return std
}

// Momentum is the last single-step return.
func Momentum(prices []float64) float64 {
	if len(prices) < 2 || prices[len(prices)-2] == 0 {
		return 0
	}
	return prices[len(prices)-1]/prices[len(prices)-2] - 1
}

// PriceChange is the return over the last window steps.
func PriceChange(prices []float64, window int) float64 {
	if len(prices) < 2 {
		return 0
	}
	if window <= 0 || window >= len(prices) {
		window = len(prices) - 1
	}
	base := prices[len(prices)-1-window]
	if base == 0 {
		return 0
	}
	return prices[len(prices)-1]/base - 1
}

// Bollinger returns the middle, upper and lower band over the last period values.
func Bollinger(values []float64, period int, stdDevs float64) (float64, float64, float64) {
	if len(values) == 0 {
		return 0, 0, 0
	}
	if period <= 0 || period > len(values) {
		period = len(values)
	}
	mean, std := MeanStd(values[len(values)-period:])
	return mean, mean + stdDevs*std, mean - stdDevs*std
}

// SupportResistance finds the nearest two-bar pivot low and high. Falls back
// to the window min and max when no pivot exists.
func SupportResistance(prices []float64) (float64, float64) {
	if len(prices) == 0 {
		return 0, 0
	}
	support, resistance := math.NaN(), math.NaN()
	for i := 2; i < len(prices)-2; i++ {
		p := prices[i]
		if p < prices[i-1] && p < prices[i-2] && p < prices[i+1] && p < prices[i+2] {
			support = p
		}
		if p > prices[i-1] && p > prices[i-2] && p > prices[i+1] && p > prices[i+2] {
			resistance = p
		}
	}
	lo, hi := prices[0], prices[0]
	for _, p := range prices {
		lo = math.Min(lo, p)
		hi = math.Max(hi, p)
	}
	if math.IsNaN(support) {
		support = lo
	}
	if math.IsNaN(resistance) {
		resistance = hi
	}
	return support, resistance
}

// Clamp bounds v to [lo, hi]; NaN becomes lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
