//
// Copyright 2024 The Nanokernel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package domain

// ValueType tags a registry value's type (spec §3, §4.9).
type ValueType int

const (
	ValSTR ValueType = iota
	ValNUM
	ValBOOL
	ValTAB
)

// Value is a typed registry value.
type Value struct {
	Type ValueType
	Str  string
	Num  float64
	Bool bool
	Tab  map[string]Value
}

// RegistryIface is the `@VT` hierarchical key-value store (spec §4.9).
type RegistryIface interface {
	CreateKey(path string, callerRing Ring) error
	DeleteKey(path string, callerRing Ring) error
	EnumKeys(path string) ([]string, error)
	EnumValues(path string) ([]string, error)
	SetValue(path, name string, v Value, callerRing Ring) error
	GetValue(path, name string) (Value, error)
	DeleteValue(path, name string, callerRing Ring) error
	DumpTree(path string) (map[string]interface{}, error)
	AllocDeviceID(class string) uint32
}
