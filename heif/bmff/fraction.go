/*
Copyright 2018 The go4 Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bmff

import (
	"fmt"
	"math"

	"github.com/heifkit/goheif/heif/limits"
)

// Fraction is a signed rational number used by the clean aperture
// arithmetic. All operations keep numerator and denominator within int32
// by halving both when needed.
type Fraction struct {
	Num, Den int32
}

// NewFraction builds a fraction, reducing its resolution until the
// denominator, and for non-integers the numerator, lie within
// ±limits.MaxFractionValue.
func NewFraction(num, den int32) Fraction {
	for den > limits.MaxFractionValue || den < -limits.MaxFractionValue {
		num /= 2
		den /= 2
	}
	for den > 1 && (num > limits.MaxFractionValue || num < -limits.MaxFractionValue) {
		num /= 2
		den /= 2
	}
	return Fraction{Num: num, Den: den}
}

// fraction64 narrows a 64-bit intermediate result, rounding away from zero.
func fraction64(num, den int64) Fraction {
	for num < math.MinInt32 || num > math.MaxInt32 || den < math.MinInt32 || den > math.MaxInt32 {
		if num >= 0 {
			num = (num + 1) / 2
		} else {
			num = (num - 1) / 2
		}
		if den >= 0 {
			den = (den + 1) / 2
		} else {
			den = (den - 1) / 2
		}
	}
	return Fraction{Num: int32(num), Den: int32(den)}
}

func (f Fraction) Add(b Fraction) Fraction {
	if f.Den == b.Den {
		return fraction64(int64(f.Num)+int64(b.Num), int64(f.Den))
	}
	return fraction64(int64(f.Num)*int64(b.Den)+int64(b.Num)*int64(f.Den), int64(f.Den)*int64(b.Den))
}

func (f Fraction) Sub(b Fraction) Fraction {
	if f.Den == b.Den {
		return fraction64(int64(f.Num)-int64(b.Num), int64(f.Den))
	}
	return fraction64(int64(f.Num)*int64(b.Den)-int64(b.Num)*int64(f.Den), int64(f.Den)*int64(b.Den))
}

func (f Fraction) AddInt(v int) Fraction {
	return fraction64(int64(f.Num)+int64(v)*int64(f.Den), int64(f.Den))
}

func (f Fraction) SubInt(v int) Fraction {
	return fraction64(int64(f.Num)-int64(v)*int64(f.Den), int64(f.Den))
}

func (f Fraction) DivInt(v int) Fraction {
	return fraction64(int64(f.Num), int64(f.Den)*int64(v))
}

func (f Fraction) RoundDown() int32 { return f.Num / f.Den }

func (f Fraction) RoundUp() int32 {
	return int32((int64(f.Num) + int64(f.Den) - 1) / int64(f.Den))
}

func (f Fraction) Round() int32 {
	return int32((int64(f.Num) + int64(f.Den)/2) / int64(f.Den))
}

// Valid reports whether the denominator is non-zero.
func (f Fraction) Valid() bool { return f.Den != 0 }

func (f Fraction) String() string { return fmt.Sprintf("%d/%d", f.Num, f.Den) }
