package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/relaydb/pagestore/btree"
	"github.com/relaydb/pagestore/env"
)

func main() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("pagestore Demo: an embedded B+tree storage engine")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println()
	fmt.Println("This demo walks through:")
	fmt.Println("  - basic Put/Get/Delete")
	fmt.Println("  - duplicate records and approximate-match Find")
	fmt.Println("  - cursor-based iteration")
	fmt.Println("  - crash recovery across a Close/Open cycle")
	fmt.Println()

	demoBasicOps()
	fmt.Println()
	demoDuplicatesAndFind()
	fmt.Println()
	demoCursor()
	fmt.Println()
	demoRecovery()
}

func demoBasicOps() {
	fmt.Println("### Basic Put/Get/Delete ###")
	fmt.Println(strings.Repeat("-", 40))

	dir, err := os.MkdirTemp("", "pagestore-demo-basic-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	e, err := env.Create(dir+"/store.db", env.DefaultConfig(), zap.NewNop().Sugar())
	if err != nil {
		log.Fatal(err)
	}
	defer e.Close()

	fmt.Println("Created environment")

	fmt.Println("\n[Writing data]")
	testData := map[string]string{
		"user:1001":   `{"name": "Alice", "age": 30, "city": "NYC"}`,
		"user:1002":   `{"name": "Bob", "age": 25, "city": "SF"}`,
		"product:101": `{"name": "Laptop", "price": 999.99}`,
	}
	for key, value := range testData {
		if err := e.Put([]byte(key), []byte(value)); err != nil {
			log.Printf("Error writing %s: %v", key, err)
			continue
		}
		fmt.Printf("  PUT %s\n", key)
	}

	fmt.Println("\n[Reading data]")
	for key := range testData {
		value, err := e.Get([]byte(key))
		if err != nil {
			log.Printf("Error reading %s: %v", key, err)
			continue
		}
		fmt.Printf("  GET %s -> %s\n", key, truncate(string(value), 40))
	}

	fmt.Println("\n[Updating in place]")
	e.Put([]byte("user:1001"), []byte(`{"name": "Alice Updated", "age": 31, "city": "NYC"}`))
	updated, _ := e.Get([]byte("user:1001"))
	fmt.Printf("  GET user:1001 -> %s\n", truncate(string(updated), 50))

	fmt.Println("\n[Deleting a key]")
	e.Delete([]byte("product:101"))
	if _, err := e.Get([]byte("product:101")); err != nil {
		fmt.Println("  GET product:101 -> key not found (as expected)")
	}

	stats := e.Stats()
	fmt.Println("\n[Statistics]")
	fmt.Printf("  Keys: %d\n", stats.NumKeys)
	fmt.Printf("  Writes: %d  Reads: %d\n", stats.WriteCount, stats.ReadCount)
}

func demoDuplicatesAndFind() {
	fmt.Println("### Duplicates and approximate-match Find ###")
	fmt.Println(strings.Repeat("-", 40))

	dir, err := os.MkdirTemp("", "pagestore-demo-dupes-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	e, err := env.Create(dir+"/store.db", env.DefaultConfig(), zap.NewNop().Sugar())
	if err != nil {
		log.Fatal(err)
	}
	defer e.Close()

	fmt.Println("\n[Inserting duplicate records under one key]")
	key := []byte("session:2001")
	if err := e.Put(key, []byte("login")); err != nil {
		log.Fatal(err)
	}
	fmt.Println("  INSERT session:2001 -> login")
	for _, v := range []string{"heartbeat", "logout"} {
		if err := e.Insert(key, []byte(v), btree.Duplicate); err != nil {
			log.Printf("insert %s: %v", v, err)
			continue
		}
		fmt.Printf("  INSERT session:2001 -> %s (duplicate)\n", v)
	}

	fmt.Println("\n[Walking the key's duplicates via cursor]")
	cur := e.NewCursor(99)
	defer cur.Close()
	if err := cur.Find(key, btree.FindExact); err != nil {
		log.Printf("find: %v", err)
	} else {
		for {
			rec, _ := cur.Record()
			fmt.Printf("  session:2001[%d] -> %s\n", cur.DupeIndex(), rec)
			if cur.DupeIndex() >= 2 {
				break
			}
			if err := cur.MoveNext(); err != nil {
				break
			}
		}
	}

	fmt.Println("\n[Approximate match]")
	for _, k := range []string{"10", "20", "30"} {
		e.Put([]byte(k), []byte(k))
	}
	res, err := e.Find([]byte("25"), btree.FindLT)
	if err != nil {
		log.Printf("find LT: %v", err)
	} else {
		rec, _ := e.DecodeRecord(res)
		fmt.Printf("  FindLT(\"25\") -> %s (nearest key strictly less)\n", rec)
	}
}

func demoCursor() {
	fmt.Println("### Cursor iteration ###")
	fmt.Println(strings.Repeat("-", 40))

	dir, err := os.MkdirTemp("", "pagestore-demo-cursor-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	e, err := env.Create(dir+"/store.db", env.DefaultConfig(), zap.NewNop().Sugar())
	if err != nil {
		log.Fatal(err)
	}
	defer e.Close()

	for i := 0; i < 5; i++ {
		k := fmt.Sprintf("key:%02d", i)
		e.Put([]byte(k), []byte(fmt.Sprintf("value-%d", i)))
	}

	cur := e.NewCursor(1)
	fmt.Println("\n[Walking all keys via cursor]")
	if err := cur.MoveFirst(); err != nil {
		log.Printf("move first: %v", err)
		return
	}
	for {
		key, _ := cur.Key()
		fmt.Printf("  %s\n", key)
		if err := cur.MoveNext(); err != nil {
			break
		}
	}
}

func demoRecovery() {
	fmt.Println("### Crash recovery across Close/Open ###")
	fmt.Println(strings.Repeat("-", 40))

	dir, err := os.MkdirTemp("", "pagestore-demo-recovery-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := dir + "/store.db"

	e, err := env.Create(path, env.DefaultConfig(), zap.NewNop().Sugar())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("\n[Writing then closing cleanly]")
	e.Put([]byte("durable"), []byte("value survives restart"))
	if err := e.Close(); err != nil {
		log.Fatal(err)
	}
	fmt.Println("  Closed (journal truncated, device flushed)")

	fmt.Println("\n[Reopening: journal replay runs before serving any call]")
	e2, err := env.Open(path, env.DefaultConfig(), zap.NewNop().Sugar())
	if err != nil {
		log.Fatal(err)
	}
	defer e2.Close()

	rec, err := e2.Get([]byte("durable"))
	if err != nil {
		log.Printf("Error reading after reopen: %v", err)
	} else {
		fmt.Printf("  GET durable -> %s\n", rec)
	}

	if err := e2.Check(); err != nil {
		log.Printf("Integrity check failed: %v", err)
	} else {
		fmt.Println("  Check() -> tree structurally sound")
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
