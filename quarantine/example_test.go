package quarantine_test

import (
	"fmt"
	"io"
	"log"

	"github.com/kolkov/ptrquarantine/quarantine"
)

// Example shows a dangling pointer neutralized by quarantine.
func Example() {
	engine, err := quarantine.New(quarantine.Config{
		Sanitizer: "halt_on_error=0",
		Output:    io.Discard,
		Engine:    quarantine.Options{DataRaceCheck: true},
	})
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()

	addr, _ := engine.Malloc(16)
	p := engine.NewPtr(addr)
	_ = engine.Free(addr)

	fmt.Println(engine.IsQuarantined(addr))
	fmt.Printf("%x\n", p.Load(4))
	fmt.Println(engine.Check().Status)

	p.Release()
	fmt.Println(engine.IsFreed(addr))
	// Output:
	// true
	// efefefef
	// PROTECTED
	// true
}

func ExampleCompatibleWith() {
	fmt.Println(quarantine.CompatibleWith(quarantine.Version))
	fmt.Println(quarantine.CompatibleWith("v2.0.0"))
	// Output:
	// true
	// false
}
