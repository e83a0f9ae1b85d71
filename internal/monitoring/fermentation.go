// Package monitoring serves the fermentation readings shown on the monitoring screen.
// Readings are fixed sample data; no sensor ingestion exists yet.
package monitoring

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownDay indicates that no sample series exists for the requested day.
var ErrUnknownDay = errors.New("monitoring: unknown day")

const statusNormal = "Normal"

var sampleTimes = []string{
	"00:00", "02:00", "04:00", "06:00", "08:00", "10:00",
	"12:00", "14:00", "16:00", "18:00", "20:00", "22:00",
}

type daySeries struct {
	day         string
	temperature []float64
	humidity    []float64
}

var sampleSeries = []daySeries{
	{
		day:         "Hari 1",
		temperature: []float64{25, 26, 28, 30, 29, 27, 20, 25, 26, 28, 30, 29},
		humidity:    []float64{65, 68, 70, 72, 70, 69, 67, 65, 68, 70, 72, 70},
	},
	{
		day:         "Hari 2",
		temperature: []float64{24, 25, 27, 29, 30, 28, 26, 25, 24, 26, 28, 27},
		humidity:    []float64{63, 65, 68, 70, 72, 71, 69, 67, 66, 68, 70, 69},
	},
	{
		day:         "Hari 3",
		temperature: []float64{23, 24, 26, 28, 29, 27, 25, 24, 23, 25, 27, 26},
		humidity:    []float64{62, 64, 67, 69, 71, 70, 68, 66, 65, 67, 69, 68},
	},
}

// Reading is one two-hourly sample.
type Reading struct {
	Time        string  `json:"time"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

// Summary condenses one measured quantity over a day.
type Summary struct {
	Current float64 `json:"current"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
}

// Report is the fermentation view of a single day.
type Report struct {
	Day         string    `json:"day"`
	Readings    []Reading `json:"readings"`
	Temperature Summary   `json:"temperature"`
	Humidity    Summary   `json:"humidity"`
	Status      string    `json:"status"`
}

// Days lists the days that have sample series, in display order.
func Days() []string {
	days := make([]string, 0, len(sampleSeries))
	for _, series := range sampleSeries {
		days = append(days, series.day)
	}
	return days
}

// DayReport builds the report for day. Matching ignores case and surrounding space.
func DayReport(day string) (Report, error) {
	wanted := strings.ToLower(strings.TrimSpace(day))
	for _, series := range sampleSeries {
		if strings.ToLower(series.day) != wanted {
			continue
		}
		readings := make([]Reading, 0, len(sampleTimes))
		for index, sampleTime := range sampleTimes {
			readings = append(readings, Reading{
				Time:        sampleTime,
				Temperature: series.temperature[index],
				Humidity:    series.humidity[index],
			})
		}
		return Report{
			Day:         series.day,
			Readings:    readings,
			Temperature: summarize(series.temperature),
			Humidity:    summarize(series.humidity),
			Status:      statusNormal,
		}, nil
	}
	return Report{}, fmt.Errorf("%w: %q", ErrUnknownDay, day)
}

func summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	summary := Summary{
		Current: values[len(values)-1],
		Min:     values[0],
		Max:     values[0],
	}
	total := 0.0
	for _, value := range values {
		if value < summary.Min {
			summary.Min = value
		}
		if value > summary.Max {
			summary.Max = value
		}
		total += value
	}
	summary.Average = total / float64(len(values))
	return summary
}
