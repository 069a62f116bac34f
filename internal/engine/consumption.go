package engine

import "time"

// PredictHourlyConsumption estimates whether the hour's consumption will
// reach max if the current draw continues until the top of the hour.
// All values share the same unit (kWh for the accumulated and max values,
// kW for the current draw).
func PredictHourlyConsumption(accumulated, current, max float64, now time.Time) bool {
	remaining := float64(60-now.Minute()) / 60.0
	return accumulated+current*remaining >= max
}
