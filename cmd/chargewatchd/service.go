/*
chargewatchd - estimates charge progress and mirrors it to the desktop
Copyright (C) 2025, chargewatch

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package main

import (
	"encoding/json"
	"errors"

	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"

	"github.com/chargewatch/chargewatch/analytics"
	"github.com/chargewatch/chargewatch/lifecycle"
)

const (
	dbusName = "org.chargewatch.daemon"
	dbusPath = "/org/chargewatch/daemon"

	estimateSignal = dbusName + ".Estimate"
)

type service struct {
	loop   *sampleLoop
	coord  *lifecycle.Coordinator
	engine *analytics.Engine
}

func startService(loop *sampleLoop, coord *lifecycle.Coordinator, engine *analytics.Engine) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("name already taken")
	}

	s := &service{
		loop:   loop,
		coord:  coord,
		engine: engine,
	}
	conn.Export(s, dbusPath, dbusName)
	conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable")

	// Mirror every display value as a signal for local listeners.
	loop.Subscribe(func(dv analytics.DisplayValue) {
		minutes := -1
		if dv.MinutesToFull != nil {
			minutes = *dv.MinutesToFull
		}
		if err := conn.Emit(dbusPath, estimateSignal,
			dv.ContinuousPercent, dv.Watts, minutes, dv.Phase.String(), dv.Paused); err != nil {
			log.Error("Error sending estimate signal:", err)
		}
	})
	return nil
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

// Status returns the latest display value and coordinator state as JSON.
func (s service) Status() (string, *dbus.Error) {
	dv, ok := s.loop.Latest()
	status := map[string]interface{}{
		"coordinator": s.coord.Snapshot(),
	}
	if ok {
		status["estimate"] = dv
	}
	data, err := json.Marshal(status)
	if err != nil {
		return "", makeDbusError(".StatusError", err)
	}
	return string(data), nil
}

// EndSession tears down the presentation session immediately.
func (s service) EndSession() *dbus.Error {
	log.Println("Session end requested over D-Bus.")
	s.coord.EndNow()
	return nil
}

// SetThrottled feeds a thermal throttling signal into stall detection.
func (s service) SetThrottled(throttled bool) *dbus.Error {
	s.engine.SetThrottled(throttled)
	return nil
}

// SetForeground records whether the host session is interactive. Deferred
// session starts retry when this flips to true.
func (s service) SetForeground(foreground bool) *dbus.Error {
	s.loop.SetForeground(foreground)
	return nil
}

func makeDbusError(name string, err error) *dbus.Error {
	return &dbus.Error{
		Name: dbusName + name,
		Body: []interface{}{err.Error()},
	}
}
