package assert

import (
	"fmt"
	"reflect"
)

func NotNil(obj any, format string, args ...interface{}) {
	if isNil(obj) {
		panic(formatMsg(format, args...))
	}
}

func IsNil(obj any, format string, args ...interface{}) {
	if !isNil(obj) {
		panic(formatMsg(format, args...))
	}
}

func isNil(obj any) bool {
	if obj == nil {
		return true
	}
	v := reflect.ValueOf(obj)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}

func formatMsg(format string, args ...interface{}) string {
	return "assertion failed: " + fmt.Sprintf(format, args...)
}
