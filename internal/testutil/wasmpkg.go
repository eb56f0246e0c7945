// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// Answer is what the fixture binary's answer export returns
const Answer = 42

// Reported is the value __wbindgen_start passes to __wbg_report
const Reported = 7

// WasmModule encodes a minimal module shaped like wasm-bindgen output for
// stem. It imports __wbg_report(i32) from ./<stem>_bg.js and exports memory,
// answer() returning Answer, and __wbindgen_start, which reports Reported.
func WasmModule(stem string) []byte {
	types := vec(
		[]byte{0x60, 0x00, 0x01, 0x7f}, // () -> i32
		[]byte{0x60, 0x01, 0x7f, 0x00}, // (i32) -> ()
		[]byte{0x60, 0x00, 0x00},       // () -> ()
	)

	imports := vec(cat(name("./"+stem+"_bg.js"), name("__wbg_report"), []byte{0x00, 0x01}))

	funcs := vec([]byte{0x00}, []byte{0x02})

	memory := vec([]byte{0x00, 0x01})

	exports := vec(
		cat(name("memory"), []byte{0x02, 0x00}),
		cat(name("answer"), []byte{0x00, 0x01}),
		cat(name("__wbindgen_start"), []byte{0x00, 0x02}),
	)

	code := vec(
		body(0x41, Answer),
		body(0x41, Reported, 0x10, 0x00),
	)

	return cat(
		[]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
		section(1, types),
		section(2, imports),
		section(3, funcs),
		section(5, memory),
		section(7, exports),
		section(10, code),
	)
}

// WasmPackage writes a wasm-pack --target bundler package for stem into dir
// and returns the path of its bindings module. The shim records the reported
// value in globalThis.wasmReported.
func WasmPackage(t testing.TB, dir, stem string) string {
	t.Helper()

	bindings, err := WritePackage(dir, stem)
	if err != nil {
		t.Fatal(err)
	}

	return bindings
}

// WritePackage is WasmPackage for callers without a testing.TB
func WritePackage(dir, stem string) (string, error) {
	files := map[string][]byte{
		stem + "_bg.wasm": WasmModule(stem),
		stem + ".js": []byte(fmt.Sprintf(`import * as wasm from "./%[1]s_bg.wasm";
export * from "./%[1]s_bg.js";
import { __wbg_set_wasm } from "./%[1]s_bg.js";
__wbg_set_wasm(wasm);
wasm.__wbindgen_start();
`, stem)),
		stem + "_bg.js": []byte(`let wasm;
export function __wbg_set_wasm(val) {
    wasm = val;
}

export function answer() {
    return wasm.answer();
}

export function __wbg_report(arg0) {
    globalThis.wasmReported = arg0;
}
`),
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return "", err
		}
	}

	return filepath.Join(dir, stem+".js"), nil
}

func body(instrs ...byte) []byte {
	b := cat([]byte{0x00}, instrs, []byte{0x0b})
	return cat(uleb(len(b)), b)
}

func section(id byte, content []byte) []byte {
	return cat([]byte{id}, uleb(len(content)), content)
}

func vec(items ...[]byte) []byte {
	return cat(append([][]byte{uleb(len(items))}, items...)...)
}

func name(s string) []byte {
	return cat(uleb(len(s)), []byte(s))
}

func uleb(n int) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
