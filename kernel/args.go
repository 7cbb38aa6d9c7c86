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

package kernel

import (
	"time"

	"github.com/nanokernel/kernel/domain"
	"github.com/nanokernel/kernel/kerr"
)

// The syscall surface (spec §6) is positional: each handler below pulls
// its parameters out of args by index. These helpers keep that repetitive
// type-assert-or-fail pattern in one place, the same role handler
// implementations give to small path/attribute helpers.

func argAt(args []interface{}, i int) (interface{}, error) {
	if i >= len(args) {
		return nil, kerr.New(kerr.InvalidParameter, "missing argument %d", i)
	}
	return args[i], nil
}

func argString(args []interface{}, i int) (string, error) {
	v, err := argAt(args, i)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", kerr.New(kerr.InvalidParameter, "argument %d must be a string", i)
	}
	return s, nil
}

func argPid(args []interface{}, i int) (domain.Pid, error) {
	v, err := argAt(args, i)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case domain.Pid:
		return n, nil
	case int:
		return domain.Pid(n), nil
	case int64:
		return domain.Pid(n), nil
	case uint64:
		return domain.Pid(n), nil
	case float64:
		return domain.Pid(n), nil
	}
	return 0, kerr.New(kerr.InvalidParameter, "argument %d must be a pid", i)
}

func argRing(args []interface{}, i int) (domain.Ring, error) {
	v, err := argAt(args, i)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case domain.Ring:
		return n, nil
	case int:
		return domain.Ring(n), nil
	case float64:
		return domain.Ring(n), nil
	}
	return 0, kerr.New(kerr.InvalidParameter, "argument %d must be a ring", i)
}

func argUint32(args []interface{}, i int) (uint32, error) {
	v, err := argAt(args, i)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case uint32:
		return n, nil
	case int:
		return uint32(n), nil
	case float64:
		return uint32(n), nil
	}
	return 0, kerr.New(kerr.InvalidParameter, "argument %d must be a number", i)
}

func argInt(args []interface{}, i int) (int, error) {
	v, err := argAt(args, i)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	}
	return 0, kerr.New(kerr.InvalidParameter, "argument %d must be a number", i)
}

func argBool(args []interface{}, i int) (bool, error) {
	v, err := argAt(args, i)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, kerr.New(kerr.InvalidParameter, "argument %d must be a bool", i)
	}
	return b, nil
}

func argBytes(args []interface{}, i int) ([]byte, error) {
	v, err := argAt(args, i)
	if err != nil {
		return nil, err
	}
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	return nil, kerr.New(kerr.InvalidParameter, "argument %d must be bytes", i)
}

func argDuration(args []interface{}, i int) (time.Duration, error) {
	v, err := argAt(args, i)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case time.Duration:
		return n, nil
	case float64:
		return time.Duration(n * float64(time.Second)), nil
	case int:
		return time.Duration(n) * time.Second, nil
	}
	return 0, kerr.New(kerr.InvalidParameter, "argument %d must be a duration", i)
}

func argObject(args []interface{}, i int) (domain.ObjectIface, error) {
	v, err := argAt(args, i)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(domain.ObjectIface)
	if !ok {
		return nil, kerr.New(kerr.InvalidParameter, "argument %d must be an object handle", i)
	}
	return obj, nil
}

func optString(args []interface{}, i int, def string) string {
	if s, err := argString(args, i); err == nil {
		return s
	}
	return def
}
