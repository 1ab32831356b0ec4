package loss

import (
	"go.uber.org/zap"
)

// Metric names reported to an Observer.
const (
	MetricPositives             = "ssd_losses/positives"
	MetricNegativesSelected     = "ssd_losses/negatives_selected"
	MetricNegativePositiveRatio = "ssd_losses/negative_positive_ratio"
	MetricPercentInstances      = "ssd_losses/percent_instances"
	MetricNumberOfInstances     = "ssd_losses/number_of_instances"
	MetricNegativeIoU           = "ssd_losses/negative_iou"
	MetricClassification        = "ssd_losses/cls_loss"
	MetricLocalization          = "ssd_losses/loc_loss"
)

// Observer receives scalar statistics after every Compute call.
// profiler.Recorder satisfies it.
type Observer interface {
	RecordMetric(name string, value float64)
}

// Stats summarizes the mining outcome of one call. It never influences the
// returned losses.
type Stats struct {
	// Positives is N, the number of positive anchors in the batch.
	Positives int
	// NegativesSelected counts the hard negatives, boundary ties included.
	NegativesSelected int
	// NegativePositiveRatio is NegativesSelected/Positives, 0 without positives.
	NegativePositiveRatio float32
	// PercentInstances is the fraction of anchors with a non-zero weight.
	PercentInstances float32
	// NumberOfInstances is the sum of the weights.
	NumberOfInstances float32
	// NegativeIoUMean is the mean match score of the selected negatives.
	NegativeIoUMean float32
	// PerImage holds the (positives, negatives) of every image.
	PerImage [][2]int
}

func newStats(positives, negatives []int, weights []float32, negativeIoU float64) Stats {
	s := Stats{PerImage: make([][2]int, len(positives))}
	for b := range positives {
		s.Positives += positives[b]
		s.NegativesSelected += negatives[b]
		s.PerImage[b] = [2]int{positives[b], negatives[b]}
	}

	var sum float32
	for _, w := range weights {
		sum += w
	}
	s.NumberOfInstances = sum
	if len(weights) > 0 {
		s.PercentInstances = sum / float32(len(weights))
	}
	if s.Positives > 0 {
		s.NegativePositiveRatio = float32(s.NegativesSelected) / float32(s.Positives)
	}
	if s.NegativesSelected > 0 {
		s.NegativeIoUMean = float32(negativeIoU / float64(s.NegativesSelected))
	}
	return s
}

func (e *Engine) emit(r *Result) {
	s := r.Stats
	e.logger.Debug("ssd losses",
		zap.Int("positives", s.Positives),
		zap.Int("negatives_selected", s.NegativesSelected),
		zap.Float32("negative_positive_ratio", s.NegativePositiveRatio),
		zap.Float32("percent_instances", s.PercentInstances),
		zap.Float32("cls_loss", r.Classification),
		zap.Float32("loc_loss", r.Localization),
	)

	if e.observer == nil {
		return
	}
	e.observer.RecordMetric(MetricPositives, float64(s.Positives))
	e.observer.RecordMetric(MetricNegativesSelected, float64(s.NegativesSelected))
	e.observer.RecordMetric(MetricNegativePositiveRatio, float64(s.NegativePositiveRatio))
	e.observer.RecordMetric(MetricPercentInstances, float64(s.PercentInstances))
	e.observer.RecordMetric(MetricNumberOfInstances, float64(s.NumberOfInstances))
	e.observer.RecordMetric(MetricNegativeIoU, float64(s.NegativeIoUMean))
	e.observer.RecordMetric(MetricClassification, float64(r.Classification))
	e.observer.RecordMetric(MetricLocalization, float64(r.Localization))
}
