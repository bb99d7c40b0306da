package stepper

// CurveInits returns how many deceleration curves the interrupt latched
func (s *Stepper) CurveInits() uint32 { return s.curveInits }
