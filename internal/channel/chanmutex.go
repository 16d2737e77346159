package channel

import (
	"fmt"
	"sync"
)

// chanMutex hands out one mutex per channel id, so mutations of different
// channels never wait on each other. Entries are dropped once no goroutine
// holds or waits for them.
type chanMutex struct {
	mutexes map[string]*cntMutex
	mapMtx  sync.Mutex
}

type cntMutex struct {
	cnt int
	sync.Mutex
}

func newChanMutex() *chanMutex {
	return &chanMutex{
		mutexes: make(map[string]*cntMutex),
	}
}

// Lock blocks until the caller owns the critical section for id.
func (c *chanMutex) Lock(id string) {
	c.mapMtx.Lock()
	mtx, ok := c.mutexes[id]
	if ok {
		mtx.cnt++
	} else {
		mtx = &cntMutex{cnt: 1}
		c.mutexes[id] = mtx
	}
	c.mapMtx.Unlock()

	mtx.Lock()
}

// Unlock releases the critical section for id.
func (c *chanMutex) Unlock(id string) {
	c.mapMtx.Lock()
	mtx, ok := c.mutexes[id]
	if !ok {
		c.mapMtx.Unlock()
		panic(fmt.Sprintf("double unlock for channel %s", id))
	}

	mtx.cnt--
	if mtx.cnt == 0 {
		delete(c.mutexes, id)
	}
	c.mapMtx.Unlock()

	mtx.Unlock()
}

func (c *chanMutex) size() int {
	c.mapMtx.Lock()
	defer c.mapMtx.Unlock()
	return len(c.mutexes)
}
