package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/theflywheel/txhash"
)

type Set struct {
	Args struct {
		ID    int    `positional-arg-name:"ID"`
		Key   uint64 `positional-arg-name:"KEY"`
		Value string `positional-arg-name:"VALUE"`
	} `positional-args:"yes" required:"yes"`
}

type Get struct {
	Args struct {
		ID  int    `positional-arg-name:"ID"`
		Key uint64 `positional-arg-name:"KEY"`
	} `positional-args:"yes" required:"yes"`
}

type Expand struct {
	Args struct {
		ID      int    `positional-arg-name:"ID"`
		Buckets uint64 `positional-arg-name:"BUCKETS"`
	} `positional-args:"yes" required:"yes"`
}

type Create struct {
	Args struct {
		ID      int    `positional-arg-name:"ID"`
		Buckets uint64 `positional-arg-name:"BUCKETS"`
	} `positional-args:"yes" required:"yes"`
}

type Migrate struct {
	Args struct {
		Src int `positional-arg-name:"SRC"`
		Dst int `positional-arg-name:"DST"`
	} `positional-args:"yes" required:"yes"`
}

type Dump struct {
	Args struct {
		ID int `positional-arg-name:"ID"`
	} `positional-args:"yes" required:"yes"`
}

type Stats struct {
	Metrics bool `short:"m" long:"metrics" description:"also print the process metrics collected while running"`
}

var (
	setCmd     Set
	getCmd     Get
	expandCmd  Expand
	createCmd  Create
	migrateCmd Migrate
	dumpCmd    Dump
	statsCmd   Stats
)

func withStore(fn func(s *txhash.Store) error) (err error) {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(s)
}

func (x *Set) Execute(args []string) error {
	return withStore(func(s *txhash.Store) error {
		res, err := s.Set(x.Args.ID, x.Args.Key, []byte(x.Args.Value))
		if err != nil {
			return err
		}
		fmt.Println(res)
		return nil
	})
}

func (x *Get) Execute(args []string) error {
	return withStore(func(s *txhash.Store) error {
		v, ok, err := s.Get(x.Args.ID, x.Args.Key)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("not found")
			return nil
		}
		fmt.Println(string(v))
		return nil
	})
}

func (x *Expand) Execute(args []string) error {
	return withStore(func(s *txhash.Store) error {
		if err := s.Expand(x.Args.ID, x.Args.Buckets); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	})
}

func (x *Create) Execute(args []string) error {
	return withStore(func(s *txhash.Store) error {
		t, err := s.Table(x.Args.ID, x.Args.Buckets)
		if err != nil {
			return err
		}
		fmt.Printf("table %d: %d buckets\n", t.ID(), t.BucketCount())
		return nil
	})
}

func (x *Migrate) Execute(args []string) error {
	return withStore(func(s *txhash.Store) error {
		if err := s.Migrate(x.Args.Src, x.Args.Dst); err != nil {
			fmt.Println("failed")
			return err
		}
		fmt.Println("ok")
		return nil
	})
}

func (x *Dump) Execute(args []string) error {
	return withStore(func(s *txhash.Store) error {
		t, ok := s.Lookup(x.Args.ID)
		if !ok {
			return fmt.Errorf("%w: %d", txhash.ErrNoTable, x.Args.ID)
		}
		for _, key := range t.Keys() {
			v, _ := t.Get(key)
			fmt.Printf("%d\t%s\n", key, v)
		}
		return nil
	})
}

func (x *Stats) Execute(args []string) error {
	err := withStore(func(s *txhash.Store) error {
		p := s.Pool()
		fmt.Printf("pool %s: %d bytes, %d in use, %d table slots\n", p.Path(), p.Size(), p.HeapTop(), s.Capacity())
		for _, id := range s.Tables() {
			t, _ := s.Lookup(id)
			st := t.Stats()
			fmt.Printf("table %d (%s): %d entries, %d buckets (%d empty), longest chain %d\n",
				st.ID, st.UUID, st.Entries, st.Buckets, st.EmptyBuckets, st.LongestChain)
		}
		return nil
	})
	if err != nil || !x.Metrics {
		return err
	}
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
			return err
		}
	}
	return nil
}
