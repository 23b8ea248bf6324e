package engine

import (
	"bytes"
	stdlog "log"
	"reflect"
	"sync"
	"testing"

	"github.com/boypt/simple-spider/shared"
	"github.com/stretchr/testify/assert"
)

func Test_filteredLogger_filteredArg(t *testing.T) {
	ih, _ := shared.ParseInfoHash("abcdef1234567890abcdef1234567890abcdef12")
	type args struct {
		v []interface{}
	}
	tests := []struct {
		name string
		args args
		want []interface{}
	}{
		{"1", args{v: []interface{}{"123"}}, []interface{}{"123"}},
		{"2", args{v: []interface{}{"abcdef1234567890abcdef1234567890abcdef12"}}, []interface{}{"[abcdef..]"}},
		{"3", args{v: []interface{}{"abcdef1234567890abcdef1234567890abcdef12", "123"}}, []interface{}{"[abcdef..]", "123"}},
		{"4", args{v: []interface{}{ih, shared.InfoHash("short")}}, []interface{}{"[abcdef..]", shared.InfoHash("short")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := log.filteredArg(tt.args.v...); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("filteredLogger.filteredArg() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_filteredLogger_Debugf(t *testing.T) {
	var buf bytes.Buffer
	f := &filteredLogger{logger: stdlog.New(&buf, "", 0)}
	f.Debugf("hidden")
	assert.Empty(t, buf.String())

	// toggled from the config watcher while loops log
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			f.debug.Store(i%2 == 0)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			f.Debugf("walk %d", i)
		}
	}()
	wg.Wait()

	buf.Reset()
	f.debug.Store(true)
	f.Debugf("shown")
	assert.Equal(t, "shown\n", buf.String())

	SetDebug(true)
	assert.True(t, log.debug.Load())
	SetDebug(false)
	assert.False(t, log.debug.Load())
}
