// Package locator solves for event hypocenters from phase arrival picks. The
// solver runs a coarse grid search over latitude, longitude and depth, then
// refines the best cell with weighted Gauss-Newton iterations against a 1-D
// velocity model.
package locator

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

const (
	// MinStations is the fewest distinct stations the solver accepts unless
	// Params raises it.
	MinStations = 4

	kmPerDegLat = 111.19
)

// Params tunes the solver.
type Params struct {
	MinStations   int
	GridStepDeg   float64
	GridRadiusDeg float64
	DepthStepKm   float64
	MaxDepthKm    float64
	Eps           float64
	MaxIter       int
}

// DefaultParams returns the production solver settings.
func DefaultParams() Params {
	return Params{
		MinStations:   MinStations,
		GridStepDeg:   0.1,
		GridRadiusDeg: 1.5,
		DepthStepKm:   5,
		MaxDepthKm:    60,
		Eps:           1e-4,
		MaxIter:       25,
	}
}

// Locator solves hypocenters against one velocity model.
type Locator struct {
	log      zerolog.Logger
	model    *VelocityModel
	stations map[string]seismic.StationCoord
	params   Params
}

// New returns a locator over the given station registry.
func New(model *VelocityModel, stations []seismic.StationCoord, params Params) (*Locator, error) {
	if err := model.Validate(); err != nil {
		return nil, err
	}
	if params.MaxIter <= 0 || params.Eps <= 0 {
		return nil, errors.New(errors.KindValidation, "require eps > 0 and max_iter > 0")
	}
	if params.MinStations < MinStations {
		params.MinStations = MinStations
	}
	reg := make(map[string]seismic.StationCoord, len(stations))
	for _, s := range stations {
		reg[s.Station] = s
	}
	return &Locator{
		log:      logger.With().Str("component", "locator").Logger(),
		model:    model,
		stations: reg,
		params:   params,
	}, nil
}

// Solution is the located hypocenter with its origin time.
type Solution struct {
	Location   seismic.LocationEstimate
	OriginTime time.Time
	Iterations int
	Stations   []string
}

type observation struct {
	station seismic.StationCoord
	phase   string
	arrival time.Time
	weight  float64
}

// Locate solves for the hypocenter from the picks. It fails with a validation
// error when fewer than Params.MinStations distinct stations contribute picks.
func (l *Locator) Locate(picks []seismic.Pick) (*Solution, error) {
	obs, err := l.observations(picks)
	if err != nil {
		return nil, err
	}

	// Reference epoch for the linear algebra: the earliest arrival.
	ref := obs[0].arrival
	for _, o := range obs {
		if o.arrival.Before(ref) {
			ref = o.arrival
		}
	}

	lat, lon, depth, origin := l.gridSearch(obs, ref)
	sol, iters := l.refine(obs, ref, lat, lon, depth, origin)
	stations := make([]string, 0, len(obs))
	seen := map[string]bool{}
	for _, o := range obs {
		if !seen[o.station.Station] {
			seen[o.station.Station] = true
			stations = append(stations, o.station.Station)
		}
	}
	sort.Strings(stations)
	sol.Iterations = iters
	sol.Stations = stations

	l.log.Debug().
		Float64("lat", sol.Location.Latitude).
		Float64("lon", sol.Location.Longitude).
		Float64("depthKm", sol.Location.DepthKm).
		Float64("rmsS", sol.Location.RMSResidualS).
		Int("iterations", iters).
		Msg("hypocenter solved")
	return sol, nil
}

func (l *Locator) observations(picks []seismic.Pick) ([]observation, error) {
	obs := make([]observation, 0, len(picks))
	distinct := map[string]bool{}
	for _, p := range picks {
		st, ok := l.stations[p.Station]
		if !ok {
			return nil, errors.New(errors.KindValidation, "pick references unknown station %q", p.Station)
		}
		if p.Phase != "P" && p.Phase != "S" {
			return nil, errors.New(errors.KindValidation, "unsupported phase %q", p.Phase)
		}
		sigma := p.SigmaS
		if sigma <= 0 {
			sigma = 0.1
		}
		obs = append(obs, observation{
			station: st,
			phase:   p.Phase,
			arrival: p.ArrivalTime,
			weight:  1 / sigma,
		})
		distinct[p.Station] = true
	}
	if len(distinct) < l.params.MinStations {
		return nil, errors.New(errors.KindValidation,
			"need picks from at least %d stations, got %d", l.params.MinStations, len(distinct))
	}
	return obs, nil
}

// gridSearch scans a lat/lon/depth lattice centered on the pick centroid and
// returns the cell minimizing the weighted residual sum of squares. Origin
// time at each cell is the weighted median of (arrival - travel time).
func (l *Locator) gridSearch(obs []observation, ref time.Time) (lat, lon, depth float64, origin float64) {
	cLat, cLon := 0.0, 0.0
	for _, o := range obs {
		cLat += o.station.Latitude
		cLon += o.station.Longitude
	}
	cLat /= float64(len(obs))
	cLon /= float64(len(obs))

	best := math.Inf(1)
	p := l.params
	for la := cLat - p.GridRadiusDeg; la <= cLat+p.GridRadiusDeg; la += p.GridStepDeg {
		for lo := cLon - p.GridRadiusDeg; lo <= cLon+p.GridRadiusDeg; lo += p.GridStepDeg {
			for de := 0.0; de <= p.MaxDepthKm; de += p.DepthStepKm {
				t0 := l.originAt(obs, ref, la, lo, de)
				cost := 0.0
				for _, o := range obs {
					r := l.residual(o, ref, la, lo, de, t0)
					cost += o.weight * o.weight * r * r
				}
				if cost < best {
					best = cost
					lat, lon, depth, origin = la, lo, de, t0
				}
			}
		}
	}
	return lat, lon, depth, origin
}

// originAt returns the median of per-pick implied origin times at the trial
// hypocenter, in seconds relative to ref.
func (l *Locator) originAt(obs []observation, ref time.Time, lat, lon, depth float64) float64 {
	implied := make([]float64, len(obs))
	for i, o := range obs {
		tt := l.model.TravelTime(distanceKm(lat, lon, o.station), depth, o.phase)
		implied[i] = o.arrival.Sub(ref).Seconds() - tt
	}
	sort.Float64s(implied)
	mid := len(implied) / 2
	if len(implied)%2 == 0 {
		return (implied[mid-1] + implied[mid]) / 2
	}
	return implied[mid]
}

func (l *Locator) residual(o observation, ref time.Time, lat, lon, depth, origin float64) float64 {
	tt := l.model.TravelTime(distanceKm(lat, lon, o.station), depth, o.phase)
	return o.arrival.Sub(ref).Seconds() - origin - tt
}

// refine runs weighted Gauss-Newton on (lat, lon, depth, origin) with travel
// time derivatives taken by central differences.
func (l *Locator) refine(obs []observation, ref time.Time, lat, lon, depth, origin float64) (*Solution, int) {
	n := len(obs)
	p := l.params

	iters := 0
	for ; iters < p.MaxIter; iters++ {
		jac := mat.NewDense(n, 4, nil)
		res := mat.NewVecDense(n, nil)
		for i, o := range obs {
			r := l.residual(o, ref, lat, lon, depth, origin)
			res.SetVec(i, o.weight*r)
			const hDeg, hKm = 1e-3, 0.5
			dLat := (l.residual(o, ref, lat+hDeg, lon, depth, origin) -
				l.residual(o, ref, lat-hDeg, lon, depth, origin)) / (2 * hDeg)
			dLon := (l.residual(o, ref, lat, lon+hDeg, depth, origin) -
				l.residual(o, ref, lat, lon-hDeg, depth, origin)) / (2 * hDeg)
			dDep := (l.residual(o, ref, lat, lon, depth+hKm, origin) -
				l.residual(o, ref, lat, lon, math.Max(depth-hKm, 0), origin)) / (2 * hKm)
			jac.Set(i, 0, o.weight*-dLat)
			jac.Set(i, 1, o.weight*-dLon)
			jac.Set(i, 2, o.weight*-dDep)
			jac.Set(i, 3, o.weight*1)
		}

		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		// Small ridge keeps the normal matrix invertible for poor geometry.
		for d := 0; d < 4; d++ {
			jtj.Set(d, d, jtj.At(d, d)+1e-9)
		}
		var jtr mat.VecDense
		jtr.MulVec(jac.T(), res)

		var delta mat.VecDense
		if err := delta.SolveVec(&jtj, &jtr); err != nil {
			break
		}

		lat += delta.AtVec(0)
		lon += delta.AtVec(1)
		depth = math.Min(math.Max(depth+delta.AtVec(2), 0), p.MaxDepthKm)
		origin += delta.AtVec(3)

		step := math.Sqrt(delta.AtVec(0)*delta.AtVec(0) +
			delta.AtVec(1)*delta.AtVec(1) +
			delta.AtVec(2)*delta.AtVec(2)/(kmPerDegLat*kmPerDegLat))
		if step < p.Eps {
			iters++
			break
		}
	}

	rms := 0.0
	for _, o := range obs {
		r := l.residual(o, ref, lat, lon, depth, origin)
		rms += r * r
	}
	rms = math.Sqrt(rms / float64(n))

	hErr, dErr := l.uncertainty(obs, ref, lat, lon, depth, origin, rms)
	return &Solution{
		Location: seismic.LocationEstimate{
			Latitude:        lat,
			Longitude:       lon,
			DepthKm:         depth,
			HorizontalErrKm: hErr,
			DepthErrKm:      dErr,
			RMSResidualS:    rms,
		},
		OriginTime: ref.Add(time.Duration(origin * float64(time.Second))),
	}, iters
}

// uncertainty derives 1-sigma errors from the diagonal of the scaled inverse
// normal matrix at the solution.
func (l *Locator) uncertainty(obs []observation, ref time.Time, lat, lon, depth, origin, rms float64) (hKm, dKm float64) {
	n := len(obs)
	jac := mat.NewDense(n, 4, nil)
	for i, o := range obs {
		const hDeg, hStep = 1e-3, 0.5
		dLat := (l.residual(o, ref, lat+hDeg, lon, depth, origin) -
			l.residual(o, ref, lat-hDeg, lon, depth, origin)) / (2 * hDeg)
		dLon := (l.residual(o, ref, lat, lon+hDeg, depth, origin) -
			l.residual(o, ref, lat, lon-hDeg, depth, origin)) / (2 * hDeg)
		dDep := (l.residual(o, ref, lat, lon, depth+hStep, origin) -
			l.residual(o, ref, lat, lon, math.Max(depth-hStep, 0), origin)) / (2 * hStep)
		jac.Set(i, 0, o.weight*-dLat)
		jac.Set(i, 1, o.weight*-dLon)
		jac.Set(i, 2, o.weight*-dDep)
		jac.Set(i, 3, o.weight*1)
	}
	var jtj mat.Dense
	jtj.Mul(jac.T(), jac)
	for d := 0; d < 4; d++ {
		jtj.Set(d, d, jtj.At(d, d)+1e-9)
	}
	var cov mat.Dense
	if err := cov.Inverse(&jtj); err != nil {
		return 0, 0
	}
	scale := rms * rms
	sigLatKm := math.Sqrt(math.Abs(cov.At(0, 0)*scale)) * kmPerDegLat
	sigLonKm := math.Sqrt(math.Abs(cov.At(1, 1)*scale)) * kmPerDegLat * math.Cos(lat*math.Pi/180)
	hKm = math.Hypot(sigLatKm, sigLonKm)
	dKm = math.Sqrt(math.Abs(cov.At(2, 2) * scale))
	return hKm, dKm
}

// distanceKm is the equirectangular epicentral distance, adequate for the
// local distances this solver targets.
func distanceKm(lat, lon float64, st seismic.StationCoord) float64 {
	dLat := (st.Latitude - lat) * kmPerDegLat
	meanLat := (st.Latitude + lat) / 2 * math.Pi / 180
	dLon := (st.Longitude - lon) * kmPerDegLat * math.Cos(meanLat)
	return math.Hypot(dLat, dLon)
}
