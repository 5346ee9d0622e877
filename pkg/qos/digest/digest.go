// Package digest implements a bounded-memory streaming percentile
// estimator in the spirit of a t-digest: samples are kept as weighted
// centroids, and once a capacity ceiling is hit, the two nearest
// centroids are merged rather than growing unbounded (spec §4.9:
// "streaming digest (percentile-accurate, bounded memory)"). No
// t-digest library is present in the dependency set this repo draws
// from, so this is hand-rolled.
package digest

import "sort"

type centroid struct {
	mean   float64
	weight float64
}

// Digest is a single-writer percentile estimator. It is not safe for
// concurrent use; callers (the QoS evaluator) own one per metric and
// serialize access themselves.
type Digest struct {
	capacity  int
	centroids []centroid
	count     int64
}

// New builds an empty Digest bounded to capacity centroids.
func New(capacity int) *Digest {
	if capacity <= 0 {
		capacity = 100
	}
	return &Digest{capacity: capacity}
}

// Add records one sample.
func (d *Digest) Add(value float64) {
	d.count++
	d.centroids = append(d.centroids, centroid{mean: value, weight: 1})
	if len(d.centroids) <= d.capacity {
		sort.Slice(d.centroids, func(i, j int) bool { return d.centroids[i].mean < d.centroids[j].mean })
		return
	}
	sort.Slice(d.centroids, func(i, j int) bool { return d.centroids[i].mean < d.centroids[j].mean })
	d.compress()
}

// compress merges the closest adjacent centroid pair until the digest
// is back within its capacity.
func (d *Digest) compress() {
	for len(d.centroids) > d.capacity {
		minGap := -1.0
		idx := 0
		for i := 0; i < len(d.centroids)-1; i++ {
			gap := d.centroids[i+1].mean - d.centroids[i].mean
			if minGap < 0 || gap < minGap {
				minGap = gap
				idx = i
			}
		}
		a, b := d.centroids[idx], d.centroids[idx+1]
		merged := centroid{
			mean:   (a.mean*a.weight + b.mean*b.weight) / (a.weight + b.weight),
			weight: a.weight + b.weight,
		}
		d.centroids = append(d.centroids[:idx], append([]centroid{merged}, d.centroids[idx+2:]...)...)
	}
}

// Quantile returns the value at quantile q (0..1), interpolating across
// cumulative centroid weight. Returns 0 for an empty digest.
func (d *Digest) Quantile(q float64) float64 {
	if len(d.centroids) == 0 {
		return 0
	}
	if q <= 0 {
		return d.centroids[0].mean
	}
	if q >= 1 {
		return d.centroids[len(d.centroids)-1].mean
	}

	var total float64
	for _, c := range d.centroids {
		total += c.weight
	}
	target := q * total

	var cum float64
	for i, c := range d.centroids {
		next := cum + c.weight
		if target <= next || i == len(d.centroids)-1 {
			if c.weight == 0 {
				return c.mean
			}
			frac := (target - cum) / c.weight
			if frac < 0 {
				frac = 0
			}
			if frac > 1 {
				frac = 1
			}
			if i+1 < len(d.centroids) {
				return c.mean + frac*(d.centroids[i+1].mean-c.mean)
			}
			return c.mean
		}
		cum = next
	}
	return d.centroids[len(d.centroids)-1].mean
}

// Count returns the number of samples ever added (not the centroid
// count, which shrinks under compression).
func (d *Digest) Count() int64 { return d.count }

// Reset discards all samples, returning the digest to empty.
func (d *Digest) Reset() {
	d.centroids = nil
	d.count = 0
}
