package ode

import (
	"strings"

	"github.com/pkg/errors"
)

// Tableau is an explicit Runge-Kutta method in Butcher form.
//
// Stage i (0-based) evaluates f at t + C[i]·dt and u + dt·Σ_j A[i][j]·k_j.
// The new state is u + dt·Σ B[i]·k_i. For embedded methods, BTilde holds the
// difference between the two solutions; when the method is FSAL it has one
// extra entry weighting f(t+dt, unew).
type Tableau struct {
	Name     string
	Order    int
	C        []float64
	A        [][]float64
	B        []float64
	BTilde   []float64
	FSAL     bool
	Adaptive bool

	// PI controller exponents.
	Beta1, Beta2 float64
}

// Stages returns the number of stages excluding the FSAL evaluation.
func (tb *Tableau) Stages() int {
	return len(tb.B)
}

// Tsit5 is the Tsitouras 5(4) pair, the default method.
func Tsit5() *Tableau {
	return &Tableau{
		Name:  "tsit5",
		Order: 5,
		C:     []float64{0, 0.161, 0.327, 0.9, 0.9800255409045097, 1},
		A: [][]float64{
			{},
			{0.161},
			{-0.008480655492356989, 0.335480655492357},
			{2.897153057105493, -6.359448489975075, 4.3622954328695815},
			{5.325864828439257, -11.748883564062828, 7.4955393428898365, -0.09249506636175525},
			{5.86145544294642, -12.92096931784711, 8.159367898576159, -0.071584973281401, -0.028269050394068383},
		},
		B: []float64{
			0.09646076681806523, 0.01, 0.4798896504144996,
			1.379008574103742, -3.290069515436081, 2.324710524099774,
		},
		BTilde: []float64{
			-0.00178001105222577714, -0.0008164344596567469, 0.007880878010261995,
			-0.1447110071732629, 0.5823571654525552, -0.45808210592918697,
			1.0 / 66.0,
		},
		FSAL:     true,
		Adaptive: true,
		Beta1:    7.0 / 50.0,
		Beta2:    2.0 / 25.0,
	}
}

// DP5 is the Dormand-Prince 5(4) pair.
func DP5() *Tableau {
	b := []float64{35.0 / 384, 0, 500.0 / 1113, 125.0 / 192, -2187.0 / 6784, 11.0 / 84}
	bStar := []float64{5179.0 / 57600, 0, 7571.0 / 16695, 393.0 / 640, -92097.0 / 339200, 187.0 / 2100, 1.0 / 40}
	btilde := make([]float64, len(bStar))
	for i := range bStar {
		var bi float64
		if i < len(b) {
			bi = b[i]
		}
		btilde[i] = bi - bStar[i]
	}
	return &Tableau{
		Name:  "dp5",
		Order: 5,
		C:     []float64{0, 1.0 / 5, 3.0 / 10, 4.0 / 5, 8.0 / 9, 1},
		A: [][]float64{
			{},
			{1.0 / 5},
			{3.0 / 40, 9.0 / 40},
			{44.0 / 45, -56.0 / 15, 32.0 / 9},
			{19372.0 / 6561, -25360.0 / 2187, 64448.0 / 6561, -212.0 / 729},
			{9017.0 / 3168, -355.0 / 33, 46732.0 / 5247, 49.0 / 176, -5103.0 / 18656},
		},
		B:        b,
		BTilde:   btilde,
		FSAL:     true,
		Adaptive: true,
		Beta1:    7.0 / 50.0,
		Beta2:    2.0 / 25.0,
	}
}

// BS3 is the Bogacki-Shampine 3(2) pair.
func BS3() *Tableau {
	return &Tableau{
		Name:     "bs3",
		Order:    3,
		C:        []float64{0, 0.5, 0.75},
		A:        [][]float64{{}, {0.5}, {0, 0.75}},
		B:        []float64{2.0 / 9, 1.0 / 3, 4.0 / 9},
		BTilde:   []float64{-5.0 / 72, 1.0 / 12, 1.0 / 9, -1.0 / 8},
		FSAL:     true,
		Adaptive: true,
		Beta1:    7.0 / 30.0,
		Beta2:    2.0 / 15.0,
	}
}

// RK4 is the classic fixed-step fourth order method.
func RK4() *Tableau {
	return &Tableau{
		Name:  "rk4",
		Order: 4,
		C:     []float64{0, 0.5, 0.5, 1},
		A:     [][]float64{{}, {0.5}, {0, 0.5}, {0, 0, 1}},
		B:     []float64{1.0 / 6, 1.0 / 3, 1.0 / 3, 1.0 / 6},
	}
}

// Euler is the explicit fixed-step Euler method.
func Euler() *Tableau {
	return &Tableau{
		Name:  "euler",
		Order: 1,
		C:     []float64{0},
		A:     [][]float64{{}},
		B:     []float64{1},
	}
}

// ByName returns the tableau registered under name (case-insensitive).
func ByName(name string) (*Tableau, error) {
	switch strings.ToLower(name) {
	case "tsit5", "":
		return Tsit5(), nil
	case "dp5", "dopri5":
		return DP5(), nil
	case "bs3":
		return BS3(), nil
	case "rk4":
		return RK4(), nil
	case "euler":
		return Euler(), nil
	}
	return nil, errors.Errorf("unknown solver %q (want tsit5, dp5, bs3, rk4 or euler)", name)
}
