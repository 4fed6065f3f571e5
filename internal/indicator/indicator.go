package indicator

import (
	"fmt"
	"time"

	"perpbot/internal/models"
)

// Snapshot: индикаторы одного инструмента на момент закрытия свечи.
// Считается только по закрытым свечам.
type Snapshot struct {
	Symbol       string
	Timestamp    time.Time
	CurrentPrice float64

	// HTF
	EMA200HTF float64
	ATRHTF    float64

	// LTF
	RSILTF           float64
	ATRLTF           float64
	ATRMALTF         float64
	ATRPercentileLTF float64
}

// EMA: экспоненциальная средняя, alpha = 2/(length+1).
func EMA(values []float64, length int) []float64 {
	if len(values) == 0 || length <= 0 {
		return nil
	}
	alpha := 2.0 / (float64(length) + 1.0)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// RMA: сглаживание Уайлдера, alpha = 1/length. Им считаются ATR и RSI.
func RMA(values []float64, length int) []float64 {
	if len(values) == 0 || length <= 0 {
		return nil
	}
	alpha := 1.0 / float64(length)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

func TrueRange(candles []models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		tr := c.High - c.Low
		if i > 0 {
			prevClose := candles[i-1].Close
			if hc := abs(c.High - prevClose); hc > tr {
				tr = hc
			}
			if lc := abs(c.Low - prevClose); lc > tr {
				tr = lc
			}
		}
		out[i] = tr
	}
	return out
}

func ATR(candles []models.Candle, length int) []float64 {
	return RMA(TrueRange(candles), length)
}

func RSI(closes []float64, length int) []float64 {
	if len(closes) < 2 {
		return nil
	}
	gains := make([]float64, len(closes))
	losses := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains[i] = delta
		} else {
			losses[i] = -delta
		}
	}
	avgGain := RMA(gains, length)
	avgLoss := RMA(losses, length)

	out := make([]float64, len(closes))
	for i := range closes {
		if avgLoss[i] == 0 {
			out[i] = 100
			continue
		}
		rs := avgGain[i] / avgLoss[i]
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

// PercentileRank: доля значений окна, не превышающих последнее, в процентах.
func PercentileRank(values []float64, window int) float64 {
	if len(values) == 0 {
		return 0
	}
	start := len(values) - window
	if window <= 0 || start < 0 {
		start = 0
	}
	sample := values[start:]
	last := sample[len(sample)-1]
	count := 0
	for _, v := range sample {
		if v <= last {
			count++
		}
	}
	return 100 * float64(count) / float64(len(sample))
}

// SMA последних length значений.
func SMA(values []float64, length int) float64 {
	if len(values) == 0 || length <= 0 {
		return 0
	}
	start := len(values) - length
	if start < 0 {
		start = 0
	}
	sum := 0.0
	for _, v := range values[start:] {
		sum += v
	}
	return sum / float64(len(values)-start)
}

const (
	emaLengthHTF      = 200
	atrLengthHTF      = 14
	atrLengthLTF      = 14
	rsiLengthLTF      = 14
	percentileWindow  = 100
	defaultATRMALen   = 20
)

// Build считает снимок по закрытым свечам HTF и LTF.
func Build(symbol string, htf, ltf []models.Candle, atrMALength int) (Snapshot, error) {
	if len(htf) < emaLengthHTF {
		return Snapshot{}, fmt.Errorf("Недостаточно HTF свечей: %d", len(htf))
	}
	if len(ltf) < rsiLengthLTF+1 {
		return Snapshot{}, fmt.Errorf("Недостаточно LTF свечей: %d", len(ltf))
	}
	if atrMALength <= 0 {
		atrMALength = defaultATRMALen
	}

	htfCloses := closes(htf)
	ltfCloses := closes(ltf)

	emaHTF := EMA(htfCloses, emaLengthHTF)
	atrHTF := ATR(htf, atrLengthHTF)
	atrLTF := ATR(ltf, atrLengthLTF)
	rsiLTF := RSI(ltfCloses, rsiLengthLTF)

	last := ltf[len(ltf)-1]

	return Snapshot{
		Symbol:           symbol,
		Timestamp:        last.CloseTime,
		CurrentPrice:     last.Close,
		EMA200HTF:        emaHTF[len(emaHTF)-1],
		ATRHTF:           atrHTF[len(atrHTF)-1],
		RSILTF:           rsiLTF[len(rsiLTF)-1],
		ATRLTF:           atrLTF[len(atrLTF)-1],
		ATRMALTF:         SMA(atrLTF, atrMALength),
		ATRPercentileLTF: PercentileRank(atrLTF, percentileWindow),
	}, nil
}

func closes(candles []models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
