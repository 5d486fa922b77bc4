package feature

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Известные SRID
const (
	SRIDWGS84       = 4326
	SRIDWebMercator = 3857
)

// Reprojector переводит геометрию между системами координат.
// Конкретная библиотека пересчета подключается снаружи.
type Reprojector interface {
	Reproject(g orb.Geometry, fromSRID, toSRID int) (orb.Geometry, error)
}

// ReprojectorFunc - адаптер функции к Reprojector
type ReprojectorFunc func(g orb.Geometry, fromSRID, toSRID int) (orb.Geometry, error)

func (f ReprojectorFunc) Reproject(g orb.Geometry, fromSRID, toSRID int) (orb.Geometry, error) {
	return f(g, fromSRID, toSRID)
}

// MercatorReprojector поддерживает только пары 4326 <-> 3857 и тождественный пересчет
type MercatorReprojector struct{}

func (MercatorReprojector) Reproject(g orb.Geometry, fromSRID, toSRID int) (orb.Geometry, error) {
	if g == nil || fromSRID == toSRID {
		return g, nil
	}
	// project.Geometry меняет геометрию на месте
	c := orb.Clone(g)
	switch {
	case fromSRID == SRIDWGS84 && toSRID == SRIDWebMercator:
		return project.Geometry(c, project.WGS84.ToMercator), nil
	case fromSRID == SRIDWebMercator && toSRID == SRIDWGS84:
		return project.Geometry(c, project.Mercator.ToWGS84), nil
	}
	return nil, &UnsupportedOperationError{
		Dialect: "reprojector",
		Op:      "reproject",
		Reason:  fmt.Sprintf("EPSG:%d -> EPSG:%d", fromSRID, toSRID),
	}
}
