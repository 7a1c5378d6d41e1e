package market

import (
	"math"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
)

func sliceToChan(values []float64) chan float64 {
	c := make(chan float64, len(values))
	for _, v := range values {
		c <- v
	}
	close(c)
	return c
}

func chanToSlice(c <-chan float64) []float64 {
	var out []float64
	for v := range c {
		out = append(out, v)
	}
	return out
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

// EMA returns the exponential moving average series
func EMA(prices []float64, period int) []float64 {
	if period < 1 || len(prices) < period {
		return nil
	}
	ema := trend.NewEmaWithPeriod[float64](period)
	return chanToSlice(ema.Compute(sliceToChan(prices)))
}

// SMA returns the simple moving average series
func SMA(prices []float64, period int) []float64 {
	if period < 1 || len(prices) < period {
		return nil
	}
	sma := trend.NewSmaWithPeriod[float64](period)
	return chanToSlice(sma.Compute(sliceToChan(prices)))
}

// RSI returns the relative strength index series
func RSI(prices []float64, period int) []float64 {
	if period < 1 || len(prices) <= period {
		return nil
	}
	rsi := momentum.NewRsiWithPeriod[float64](period)
	return chanToSlice(rsi.Compute(sliceToChan(prices)))
}

// WilderRSI computes RSI with Wilder smoothing: the first average gain and
// loss are simple means over the seed period, subsequent values are
// (prev*(period-1)+current)/period. Returns NaN when there is not enough
// history. Any series without losses, flat included, pins to 100; all-loss
// series pin to 0.
func WilderRSI(prices []float64, period int) float64 {
	if period < 1 || len(prices) <= period {
		return math.NaN()
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := prices[i] - prices[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(prices); i++ {
		delta := prices[i] - prices[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACD returns the MACD line and signal line series with 12/26/9 periods
func MACD(prices []float64) (macdLine, signalLine []float64) {
	if len(prices) < 26 {
		return nil, nil
	}
	macd := trend.NewMacdWithPeriod[float64](12, 26, 9)
	macdChan, signalChan := macd.Compute(sliceToChan(prices))

	// Drain both channels in lockstep
	for {
		m, mok := <-macdChan
		s, sok := <-signalChan
		if !mok || !sok {
			break
		}
		macdLine = append(macdLine, m)
		signalLine = append(signalLine, s)
	}
	return macdLine, signalLine
}

// Bollinger returns the latest upper, middle and lower band values
func Bollinger(prices []float64, period int) (upper, middle, lower float64) {
	if period < 1 || len(prices) < period {
		return math.NaN(), math.NaN(), math.NaN()
	}
	bb := volatility.NewBollingerBandsWithPeriod[float64](period)
	lowerChan, middleChan, upperChan := bb.Compute(sliceToChan(prices))

	var lowerVals, middleVals, upperVals []float64
	for {
		l, lok := <-lowerChan
		m, mok := <-middleChan
		u, uok := <-upperChan
		if !lok || !mok || !uok {
			break
		}
		lowerVals = append(lowerVals, l)
		middleVals = append(middleVals, m)
		upperVals = append(upperVals, u)
	}
	return last(upperVals), last(middleVals), last(lowerVals)
}

// ATR computes the average true range with Wilder smoothing over OHLC data.
// Returns NaN when there is not enough history.
func ATR(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if period < 1 || n <= period || len(highs) != n || len(lows) != n {
		return math.NaN()
	}

	trs := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		tr := highs[i] - lows[i]
		if hc := math.Abs(highs[i] - closes[i-1]); hc > tr {
			tr = hc
		}
		if lc := math.Abs(lows[i] - closes[i-1]); lc > tr {
			tr = lc
		}
		trs = append(trs, tr)
	}

	atr := 0.0
	for i := 0; i < period; i++ {
		atr += trs[i]
	}
	atr /= float64(period)
	for i := period; i < len(trs); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return atr
}
