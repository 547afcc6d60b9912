package physics

// PredictInterceptY 預測球抵達任一擋板平面時的 Y 座標
//
// 以非權威模式在副本上推進，最多 maxSteps 個 tick；
// 未在步數內抵達時 ok 為 false。AI 球拍與客戶端預測共用此演算法。
func PredictInterceptY(s State, v Velocity, cfg Derived, maxSteps int) (y float64, ok bool) {
	for range maxSteps {
		if AdvanceBall(&s, &v, cfg, false, nil) == EventCrossed {
			return s.BallY, true
		}
	}
	return s.BallY, false
}
