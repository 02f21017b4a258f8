package verify

import (
	"fmt"
	"strings"
)

// CompareVersions compara versiones "a.b.c" componente a componente como enteros
// no negativos (sin límite de tamaño). Los componentes faltantes valen 0, así
// "1.2" == "1.2.0". Retorna -1, 0 o 1.
func CompareVersions(a, b string) (int, error) {
	pa, err := splitVersion(a)
	if err != nil {
		return 0, err
	}
	pb, err := splitVersion(b)
	if err != nil {
		return 0, err
	}
	n := len(pa)
	if len(pb) > n {
		n = len(pb)
	}
	for i := 0; i < n; i++ {
		x, y := "0", "0"
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		if c := compareDigits(x, y); c != 0 {
			return c, nil
		}
	}
	return 0, nil
}

// VerifyVersionMonotonicity acepta next si next >= current. current vacío
// significa "nada aceptado todavía".
func VerifyVersionMonotonicity(next, current string) error {
	if current == "" {
		_, err := splitVersion(next)
		return err
	}
	c, err := CompareVersions(next, current)
	if err != nil {
		return err
	}
	if c < 0 {
		return fmt.Errorf("%w: %s < %s", ErrVersionRegression, next, current)
	}
	return nil
}

func splitVersion(v string) ([]string, error) {
	if v == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedVersion)
	}
	parts := strings.Split(v, ".")
	for i, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformedVersion, v)
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return nil, fmt.Errorf("%w: %q", ErrMalformedVersion, v)
			}
		}
		parts[i] = strings.TrimLeft(p, "0")
		if parts[i] == "" {
			parts[i] = "0"
		}
	}
	return parts, nil
}

func compareDigits(x, y string) int {
	if len(x) != len(y) {
		if len(x) < len(y) {
			return -1
		}
		return 1
	}
	return strings.Compare(x, y)
}
